// Utility functions for the executor.
package executor

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/unfold/internal/compactor"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	return tools.Truncate(s, maxLen)
}

// assistantMessage renders a turn's reply with its tool requests.
func assistantMessage(turn *session.Turn) llm.Message {
	msg := llm.Message{Role: "assistant", Content: turn.Text}
	for _, inv := range turn.Invocations {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: inv.ID, Name: inv.Name, Args: inv.Args})
	}
	return msg
}

// toolMessage renders one result as fed back to the backend.
func toolMessage(res *tools.Result, limit int) llm.Message {
	return llm.Message{
		Role:       "tool",
		ToolCallID: res.ID,
		Name:       res.Tool,
		Content:    tools.Truncate(res.Content(), limit),
	}
}

// history converts recorded turns into compactor turns. A follow-up question
// is placed before the first turn that answers it.
func history(sess *session.Session, limit int) []compactor.Turn {
	questions := make(map[int]string)
	for _, ev := range sess.Events {
		if ev.Type == session.EventFollowUp {
			questions[ev.Turn] = ev.Content
		}
	}

	out := make([]compactor.Turn, 0, len(sess.Turns))
	for i := range sess.Turns {
		turn := &sess.Turns[i]
		var msgs []llm.Message
		if q, ok := questions[turn.Index]; ok && turn.Index > 0 {
			msgs = append(msgs, llm.Message{Role: "user", Content: "Follow-up question: " + q})
		}
		msgs = append(msgs, assistantMessage(turn))
		for j := range turn.Results {
			msgs = append(msgs, toolMessage(&turn.Results[j], limit))
		}
		out = append(out, compactor.Turn{Index: turn.Index, Messages: msgs, ToolCalls: len(turn.Invocations)})
	}
	return out
}

// factReport synthesizes a best-effort report from recorded facts.
func factReport(reason string, store *knowledge.Store) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Analysis incomplete:** %s\n\n", reason)
	b.WriteString("The following was established before the run ended.\n\n")

	if renamed := store.Renamed(); len(renamed) > 0 {
		b.WriteString("## Renamed functions\n\n")
		for _, f := range renamed {
			fmt.Fprintf(&b, "- `%s` %s (was %s)\n", f.Address, f.Name, f.OriginalName)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Recorded facts\n\n```\n")
	b.WriteString(store.Summary())
	b.WriteString("\n```\n")
	return b.String()
}
