package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
)

// RetryPolicy bounds reasoning retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout applies to each reasoning call.
	Timeout time.Duration
}

// DefaultRetryPolicy is used for zero fields.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Minute,
	Timeout:        5 * time.Minute,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	return p
}

// NewLimiter returns a limiter for requestsPerMinute, or nil for no limit.
func NewLimiter(requestsPerMinute float64) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(requestsPerMinute/60), 1)
}

var errEmptyReply = errors.New("empty reply")

// chat calls the reasoning backend, retrying transient failures with
// exponential backoff up to the attempt ceiling.
func (e *Executor) chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	policy := e.retry
	attempt := 0

	op := func() (*llm.ChatResponse, error) {
		attempt++
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				kind := failure.BackendUnavailable
				if ctx.Err() != nil {
					kind = failure.Cancellation
				}
				return nil, backoff.Permanent(failure.Wrap(kind, "chat", err))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
		start := time.Now()
		resp, err := e.provider.Chat(callCtx, req)
		e.logger.Debug("reasoning call", map[string]interface{}{
			"attempt":     attempt,
			"duration_ms": time.Since(start).Milliseconds(),
			"messages":    len(req.Messages),
		})

		switch {
		case err != nil && ctx.Err() != nil:
			return nil, backoff.Permanent(failure.Wrap(failure.Cancellation, "chat", ctx.Err()))
		case err != nil && llm.IsPermanent(err):
			return nil, backoff.Permanent(failure.Wrap(failure.BackendUnavailable, "chat", err))
		case err != nil && callCtx.Err() == context.DeadlineExceeded:
			err = failure.New(failure.Timeout, "chat", "no reply within %s", policy.Timeout)
		case err == nil && resp == nil:
			err = errEmptyReply
		case err == nil && resp.StopReason.Retryable():
			err = fmt.Errorf("backend stopped with %s", resp.StopReason)
		case err == nil && strings.TrimSpace(resp.Content) == "" && len(resp.ToolCalls) == 0:
			err = errEmptyReply
		}
		if err != nil {
			e.noteRetry(attempt, err)
			return nil, err
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialBackoff
	b.MaxInterval = policy.MaxBackoff

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, failure.Wrap(failure.Cancellation, "chat", ctx.Err())
	}
	kind := failure.KindOf(err)
	// A backend that keeps timing out is unavailable; Timeout is reserved
	// for tool calls.
	if kind == failure.ToolExecution || kind == failure.Timeout {
		kind = failure.BackendUnavailable
	}
	if kind == failure.Cancellation {
		return nil, err
	}
	return nil, &failure.Error{
		Kind:    kind,
		Op:      "chat",
		Message: fmt.Sprintf("reasoning backend failed after %d attempt(s): %s", attempt, failure.Message(err)),
		Err:     err,
	}
}

func (e *Executor) noteRetry(attempt int, err error) {
	e.logger.Warn("reasoning call failed", map[string]interface{}{
		"attempt": attempt,
		"error":   err.Error(),
	})
	e.sess.AddEvent(session.Event{
		Type:    session.EventRetry,
		Turn:    len(e.sess.Turns),
		Content: fmt.Sprintf("attempt %d", attempt),
		Error:   err.Error(),
	})
	if e.OnRetry != nil {
		e.OnRetry(attempt, err)
	}
}
