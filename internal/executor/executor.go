// Package executor drives an investigation. Each turn it builds a bounded
// context, asks the reasoning backend for the next step, dispatches the
// requested tools and folds their results into the knowledge store, until
// the backend answers, the turn budget runs out or the session aborts.
package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/compactor"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

// DefaultTruncationLimit bounds a single tool result fed back to the backend.
const DefaultTruncationLimit = 30000

// Options configures an Executor.
type Options struct {
	Provider llm.Provider
	Target   *tools.Target
	// Cache is shared between sessions on the same binary. Nil disables caching.
	Cache     *cache.Cache
	Timeouts  tools.Timeouts
	Compactor *compactor.Compactor
	Logger    *logging.Logger
	Usage     *llm.UsageTracker
	Limiter   *rate.Limiter
	Retry     RetryPolicy
	MaxTokens int
	// TruncationLimit caps each tool result in characters.
	TruncationLimit int
}

// Result is the outcome of Run or FollowUp.
type Result struct {
	State      session.State
	Report     string
	Incomplete bool
	// Cause is set for aborted sessions.
	Cause error
	// Turns is the number of turns taken by this run.
	Turns   int
	Session *session.Session
}

// Executor runs one session. It is not safe for concurrent use; run
// separate sessions on separate executors.
type Executor struct {
	provider   llm.Provider
	registry   *tools.Registry
	target     *tools.Target
	knowledge  *knowledge.Store
	compactor  *compactor.Compactor
	logger     *logging.Logger
	usage      *llm.UsageTracker
	limiter    *rate.Limiter
	retry      RetryPolicy
	maxTokens  int
	truncation int
	system     string
	sess       *session.Session

	// OnTurn is called after each turn is appended.
	OnTurn func(turn *session.Turn)
	// OnToolResult is called after each tool result is recorded.
	OnToolResult func(res *tools.Result)
	// OnRetry is called for each failed reasoning attempt.
	OnRetry func(attempt int, err error)
}

// New creates an executor for sess. Facts carried by a resumed session are
// restored into the knowledge store.
func New(sess *session.Session, opts Options) (*Executor, error) {
	if sess == nil {
		return nil, failure.New(failure.Validation, "new executor", "no session")
	}
	if opts.Provider == nil {
		return nil, failure.New(failure.Validation, "new executor", "no reasoning backend")
	}
	if opts.Target == nil {
		return nil, failure.New(failure.Validation, "new executor", "no target binary")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithSession(sess.ID).WithComponent("executor")

	store, err := knowledge.New()
	if err != nil {
		return nil, failure.Wrap(failure.InvariantViolation, "new executor", err)
	}
	if len(sess.Facts) > 0 {
		if err := store.Restore(sess.Facts); err != nil {
			store.Close()
			return nil, failure.Wrap(failure.InvariantViolation, "restore knowledge", err)
		}
	}

	registry := tools.NewRegistry(opts.Cache, logger.WithComponent("tools"))
	if err := tools.RegisterBinaryTools(registry, opts.Timeouts); err != nil {
		store.Close()
		return nil, err
	}
	search := func(ctx context.Context, query string, limit int) (interface{}, error) {
		hits, err := store.Search(query, limit)
		if err != nil {
			return nil, err
		}
		if hits == nil {
			hits = []knowledge.Hit{}
		}
		return hits, nil
	}
	if err := tools.RegisterSessionTools(registry, search); err != nil {
		store.Close()
		return nil, err
	}

	comp := opts.Compactor
	if comp == nil {
		comp = compactor.New(compactor.DefaultBudget, compactor.DefaultKeepRecent, nil)
	}
	usage := opts.Usage
	if usage == nil {
		usage = llm.NewUsageTracker(sess.Model)
	}
	if sess.Usage.APICalls > 0 {
		usage.Restore(sess.Usage)
	}
	truncation := opts.TruncationLimit
	if truncation <= 0 {
		truncation = DefaultTruncationLimit
	}

	return &Executor{
		provider:   opts.Provider,
		registry:   registry,
		target:     opts.Target,
		knowledge:  store,
		compactor:  comp,
		logger:     logger,
		usage:      usage,
		limiter:    opts.Limiter,
		retry:      opts.Retry.withDefaults(),
		maxTokens:  opts.MaxTokens,
		truncation: truncation,
		system:     SystemPrompt(sess.Mode),
		sess:       sess,
	}, nil
}

// Session returns the session being run.
func (e *Executor) Session() *session.Session { return e.sess }

// Knowledge returns the session's knowledge store.
func (e *Executor) Knowledge() *knowledge.Store { return e.knowledge }

// Registry returns the session's tool registry.
func (e *Executor) Registry() *tools.Registry { return e.registry }

// Usage returns accumulated token usage.
func (e *Executor) Usage() llm.Usage { return e.usage.Snapshot() }

// Close releases the knowledge index.
func (e *Executor) Close() error {
	return e.knowledge.Close()
}

// Run drives the session until it reaches a terminal state. The returned
// error is non-nil only when the session aborted; the Result is always set.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	if e.sess.State != session.StateRunning {
		return nil, failure.New(failure.InvariantViolation, "run", "session is %s", e.sess.State)
	}

	ctx, span := e.startSessionSpan(ctx)
	start := time.Now()
	first := len(e.sess.Turns)
	e.logger.ExecutionStart(e.sess.BinaryPath, string(e.sess.Mode))
	if first == 0 {
		e.logEvent(session.EventStart, e.sess.Goal)
	}

	res := e.loop(ctx)
	res.Turns = len(e.sess.Turns) - first
	res.Session = e.sess

	e.sess.Facts = e.knowledge.Snapshot()
	e.sess.Usage = e.usage.Snapshot()
	if e.sess.Usage.Model != "" {
		e.sess.Model = e.sess.Usage.Model
	}
	e.logEvent(session.EventEnd, string(res.State))

	endSessionSpan(span, res.State, res.Cause)
	e.logger.ExecutionComplete(e.sess.BinaryPath, time.Since(start), string(res.State))
	return res, res.Cause
}

// FollowUp reopens a finished session with a new question and runs it with
// a fresh turn allowance. Knowledge and history carry over.
func (e *Executor) FollowUp(ctx context.Context, question string) (*Result, error) {
	if question == "" {
		return nil, failure.New(failure.Validation, "follow up", "empty question")
	}
	if err := e.sess.Reopen(question); err != nil {
		return nil, err
	}
	e.sess.AddEvent(session.Event{
		Type:    session.EventFollowUp,
		Turn:    len(e.sess.Turns),
		Content: question,
	})
	e.logger.Info("follow-up", map[string]interface{}{"question": truncateForLog(question, 200)})
	return e.Run(ctx)
}

func (e *Executor) loop(ctx context.Context) *Result {
	for e.sess.Remaining() > 0 {
		if err := ctx.Err(); err != nil {
			return e.abort(failure.Wrap(failure.Cancellation, "run", err))
		}
		answered, text, err := e.step(ctx)
		if err != nil {
			if ctx.Err() != nil && failure.KindOf(err) != failure.InvariantViolation {
				err = failure.Wrap(failure.Cancellation, "run", ctx.Err())
			}
			return e.abort(err)
		}
		if answered {
			return e.finish(session.StateAnswered, text, false, nil)
		}
	}

	reason := fmt.Sprintf("the turn budget of %d was used up before the question was answered.", e.sess.Budget)
	e.logger.Warn("turn budget exhausted", map[string]interface{}{"budget": e.sess.Budget})
	return e.finish(session.StateExhausted, factReport(reason, e.knowledge), true, nil)
}

func (e *Executor) abort(cause error) *Result {
	e.logger.Error("session aborted", map[string]interface{}{
		"kind":  string(failure.KindOf(cause)),
		"error": cause.Error(),
	})
	reason := fmt.Sprintf("the session aborted (%s: %s).", failure.KindOf(cause), failure.Message(cause))
	return e.finish(session.StateAborted, factReport(reason, e.knowledge), true, cause)
}

func (e *Executor) finish(state session.State, report string, incomplete bool, cause error) *Result {
	if err := e.sess.Finish(state, report, incomplete, cause); err != nil {
		e.logger.Error("finish failed", map[string]interface{}{"error": err.Error()})
	}
	return &Result{State: state, Report: report, Incomplete: incomplete, Cause: cause}
}

// step runs one turn. It reports whether the backend gave its final answer.
func (e *Executor) step(ctx context.Context) (bool, string, error) {
	index := len(e.sess.Turns)
	ctx, span := startTurnSpan(ctx, index)
	defer span.End()

	e.knowledge.SetTurn(index)
	built := e.compactor.Build(compactor.View{
		System:  e.system,
		Opening: opening(e.sess, e.knowledge.Counts()),
		Turns:   history(e.sess, e.truncation),
		Facts:   e.knowledge.Snapshot(),
	})
	if built.Elided > 0 {
		e.logger.Debug("context compacted", map[string]interface{}{
			"turn":   index,
			"elided": built.Elided,
			"level":  built.Level.String(),
			"tokens": built.Tokens,
		})
	}

	started := time.Now()
	resp, err := e.chat(ctx, llm.ChatRequest{
		Messages:  built.Messages,
		Tools:     e.registry.Definitions(),
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return false, "", err
	}
	e.usage.Add(resp)
	e.logAssistant(index, resp)

	turn := session.Turn{
		Index: index,
		Request: session.Request{
			Messages: len(built.Messages),
			Tokens:   built.Tokens,
			Elided:   built.Elided,
			Level:    built.Level.String(),
		},
		Text:         resp.Content,
		StopReason:   string(resp.StopReason),
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Started:      started,
	}

	if len(resp.ToolCalls) > 0 {
		e.runTools(ctx, &turn, resp.ToolCalls)
	}
	turn.Duration = time.Since(started)

	if err := e.sess.AppendTurn(turn); err != nil {
		return false, "", err
	}
	if e.OnTurn != nil {
		e.OnTurn(&turn)
	}
	return len(resp.ToolCalls) == 0, resp.Content, nil
}
