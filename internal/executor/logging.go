// Session event logging functions for the executor.
package executor

import (
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// logEvent adds a plain event to the session.
func (e *Executor) logEvent(eventType, content string) {
	e.sess.AddEvent(session.Event{
		Type:    eventType,
		Turn:    len(e.sess.Turns),
		Content: content,
	})
}

// logAssistant records the backend reply for a turn.
func (e *Executor) logAssistant(turn int, resp *llm.ChatResponse) {
	e.sess.AddEvent(session.Event{
		Type:    session.EventAssistant,
		Turn:    turn,
		Content: resp.Content,
	})
	e.logger.Debug("assistant reply", map[string]interface{}{
		"turn":       turn,
		"tool_calls": len(resp.ToolCalls),
		"stop":       string(resp.StopReason),
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
	})
}

// logToolCall records an invocation. External tools get an audit event
// carrying the full arguments.
func (e *Executor) logToolCall(inv tools.Invocation) {
	e.sess.AddEvent(session.Event{
		Type: session.EventToolCall,
		Turn: inv.Turn,
		Tool: inv.Name,
		Args: inv.Args,
	})
	if spec := e.registry.Get(inv.Name); spec != nil && spec.Class == tools.External {
		e.sess.AddEvent(session.Event{
			Type: session.EventAudit,
			Turn: inv.Turn,
			Tool: inv.Name,
			Args: inv.Args,
		})
	}
}

// logToolResult records the outcome of an invocation.
func (e *Executor) logToolResult(turn int, res *tools.Result) {
	ev := session.Event{
		Type:       session.EventToolResult,
		Turn:       turn,
		Tool:       res.Tool,
		Cached:     res.Cached,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Failure != nil {
		ev.Error = string(res.Failure.Kind) + ": " + res.Failure.Message
	} else {
		ev.Content = truncateForLog(string(res.Payload), 500)
	}
	e.sess.AddEvent(ev)
}
