// Tool dispatch for the executor.
package executor

import (
	"context"
	"fmt"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// runTools dispatches a turn's tool requests in order. Every request gets
// exactly one result, failed or not.
func (e *Executor) runTools(ctx context.Context, turn *session.Turn, calls []llm.ToolCall) {
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		inv := tools.Invocation{ID: tc.ID, Name: tc.Name, Args: tc.Args, Turn: turn.Index}
		if inv.ID == "" || seen[inv.ID] {
			inv.ID = fmt.Sprintf("call-%d-%d", turn.Index, i)
		}
		seen[inv.ID] = true
		if inv.Args == nil {
			inv.Args = map[string]interface{}{}
		}

		res := e.dispatch(ctx, inv, tc.ArgsError)
		turn.Invocations = append(turn.Invocations, inv)
		turn.Results = append(turn.Results, res)
	}
}

// dispatch runs one invocation and folds the result into the knowledge
// store. Dependency keys the result made stale are dropped from the cache.
func (e *Executor) dispatch(ctx context.Context, inv tools.Invocation, argsError string) tools.Result {
	e.logToolCall(inv)
	ctx, span := startToolSpan(ctx, inv)

	var res tools.Result
	if argsError != "" {
		res = tools.Result{
			ID:      inv.ID,
			Tool:    inv.Name,
			Failure: &tools.Failure{Kind: failure.Validation, Message: "malformed arguments: " + argsError},
		}
	} else {
		res = e.registry.Dispatch(ctx, e.target, inv)
	}
	res.ID = inv.ID
	endToolSpan(span, &res)

	change := e.knowledge.Record(res)
	if len(change.Invalidate) > 0 {
		if c := e.registry.Cache(); c != nil {
			n := c.Invalidate(e.target.Identity, change.Invalidate)
			e.logger.Debug("cache invalidated", map[string]interface{}{
				"tool":    res.Tool,
				"keys":    len(change.Invalidate),
				"entries": n,
			})
		}
	}

	e.logToolResult(inv.Turn, &res)
	if e.OnToolResult != nil {
		e.OnToolResult(&res)
	}
	return res
}
