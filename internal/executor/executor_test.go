package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/compactor"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

var fastRetry = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Timeout:        5 * time.Second,
}

func newFixture(t *testing.T) *analysis.Fixture {
	t.Helper()
	fx, err := analysis.LoadFixture("../analysis/testdata/crackme.yaml")
	if err != nil {
		t.Fatal(err)
	}
	return fx
}

func newTarget(t *testing.T, fx *analysis.Fixture) *tools.Target {
	t.Helper()
	p, err := fx.Open(context.Background(), "crackme")
	if err != nil {
		t.Fatal(err)
	}
	return &tools.Target{Path: "/samples/crackme", Identity: "crackme-sha256", Project: p}
}

func newExecutor(t *testing.T, sess *session.Session, provider llm.Provider, target *tools.Target, opts Options) *Executor {
	t.Helper()
	opts.Provider = provider
	opts.Target = target
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry
	}
	e, err := New(sess, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func toolCall(id, name string, args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: args}
}

func toolTurn(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: calls, InputTokens: 100, OutputTokens: 20}
}

func answer(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Content: text, InputTokens: 100, OutputTokens: 40}
}

func checkClosure(t *testing.T, sess *session.Session) {
	t.Helper()
	for i := range sess.Turns {
		if err := sess.Turns[i].Validate(); err != nil {
			t.Errorf("turn %d: %v", i, err)
		}
	}
}

func TestExecutor_CTFFindsPassword(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(
		toolTurn(
			toolCall("c1", "analyze_binary", nil),
			toolCall("c2", "list_functions", nil),
		),
		toolTurn(toolCall("c3", "decompile", map[string]interface{}{"function": "main"})),
		toolTurn(toolCall("c4", "decompile", map[string]interface{}{"function": "FUN_004011a0"})),
		answer("The accepted input is hunter2: FUN_004011a0 compares the line against it with strcmp."),
	)

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeCTF, "find the password", 10)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != session.StateAnswered {
		t.Fatalf("state = %s, want answered", res.State)
	}
	if res.State.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", res.State.ExitCode())
	}
	if !strings.Contains(res.Report, "hunter2") {
		t.Errorf("report does not name the password: %q", res.Report)
	}
	if res.Incomplete {
		t.Error("answered report marked incomplete")
	}
	if res.Turns != 4 || sess.TurnsUsed != 4 {
		t.Errorf("turns = %d (used %d), want 4", res.Turns, sess.TurnsUsed)
	}
	if n := sess.ToolCalls(); n != 4 {
		t.Errorf("tool calls = %d, want 4", n)
	}
	if n := fx.Calls("decompile"); n != 2 {
		t.Errorf("decompile calls = %d, want 2", n)
	}
	if e.Knowledge().Counts()[knowledge.KindFunction] == 0 {
		t.Error("no function facts recorded")
	}
	if len(sess.Facts) == 0 {
		t.Error("facts not copied to the session")
	}
	if sess.Usage.APICalls != 4 {
		t.Errorf("api calls = %d, want 4", sess.Usage.APICalls)
	}
	checkClosure(t, sess)

	first := provider.Requests()[0]
	if first.Messages[0].Role != "system" || !strings.Contains(first.Messages[0].Content, "CTF") {
		t.Errorf("first message is not the CTF system prompt: %+v", first.Messages[0])
	}
	if !strings.Contains(first.Messages[1].Content, "find the password") {
		t.Errorf("opening lacks the goal: %q", first.Messages[1].Content)
	}
	found := false
	for _, def := range first.Tools {
		if def.Name == "search_knowledge" {
			found = true
		}
	}
	if !found {
		t.Error("search_knowledge not offered to the backend")
	}

	if _, err := e.Run(context.Background()); !failure.Is(err, failure.InvariantViolation) {
		t.Errorf("second Run on an answered session: err = %v", err)
	}
}

func TestExecutor_ToolFailureDoesNotAbort(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(
		toolTurn(toolCall("c1", "decompile", map[string]interface{}{"function": "0xdeadbeef"})),
		answer("There is no function at 0xdeadbeef."),
	)

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != session.StateAnswered {
		t.Fatalf("state = %s, want answered", res.State)
	}
	got := sess.Turns[0].Results[0]
	if got.Failure == nil || got.Failure.Kind != failure.ToolExecution {
		t.Fatalf("result = %+v, want ToolExecutionError", got)
	}

	var fed string
	for _, m := range provider.LastRequest().Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			fed = m.Content
		}
	}
	if !strings.Contains(fed, "not found") {
		t.Errorf("failure not fed back to the backend: %q", fed)
	}
}

func TestExecutor_TurnClosure(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(
		toolTurn(
			llm.ToolCall{Name: "list_functions"},
			llm.ToolCall{ID: "dup", Name: "get_strings"},
			llm.ToolCall{ID: "dup", Name: "get_imports_exports"},
			llm.ToolCall{ID: "bad", Name: "decompile", ArgsError: "unexpected end of JSON input"},
			llm.ToolCall{ID: "ghost", Name: "format_disk"},
		),
		answer("done"),
	)

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkClosure(t, sess)

	turn := sess.Turns[0]
	if len(turn.Invocations) != 5 || len(turn.Results) != 5 {
		t.Fatalf("invocations=%d results=%d, want 5 each", len(turn.Invocations), len(turn.Results))
	}
	for i := range turn.Invocations {
		if turn.Invocations[i].ID != turn.Results[i].ID {
			t.Errorf("pair %d: invocation %q result %q", i, turn.Invocations[i].ID, turn.Results[i].ID)
		}
	}
	if k := turn.Results[3].Failure; k == nil || k.Kind != failure.Validation {
		t.Errorf("malformed args result = %+v, want ValidationError", turn.Results[3])
	}
	if k := turn.Results[4].Failure; k == nil || k.Kind != failure.Validation {
		t.Errorf("unknown tool result = %+v, want ValidationError", turn.Results[4])
	}
	if n := fx.Calls("decompile"); n != 0 {
		t.Errorf("malformed call reached the backend %d times", n)
	}

	toolMsgs := 0
	for _, m := range provider.LastRequest().Messages {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 5 {
		t.Errorf("tool messages in follow-on request = %d, want 5", toolMsgs)
	}
}

func TestExecutor_BudgetExhausted(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return toolTurn(toolCall("", "list_functions", nil)), nil
	}

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 3)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != session.StateExhausted {
		t.Fatalf("state = %s, want exhausted", res.State)
	}
	if res.State.ExitCode() != 2 {
		t.Errorf("exit code = %d, want 2", res.State.ExitCode())
	}
	if n := provider.Calls(); n != 3 {
		t.Errorf("reasoning calls = %d, want 3", n)
	}
	if !res.Incomplete || !sess.Incomplete {
		t.Error("exhausted report not marked incomplete")
	}
	for _, want := range []string{"Analysis incomplete", "turn budget of 3", "main"} {
		if !strings.Contains(res.Report, want) {
			t.Errorf("report missing %q:\n%s", want, res.Report)
		}
	}
	if n := fx.Calls("list_functions"); n > 1 {
		t.Errorf("repeated list_functions reached the backend %d times", n)
	}
	checkClosure(t, sess)
}

func TestExecutor_RetriesThenAborts(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.SetError(errors.New("503 service unavailable"))

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})
	var retries int32
	e.OnRetry = func(attempt int, err error) { atomic.AddInt32(&retries, 1) }

	res, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if res.State != session.StateAborted || res.State.ExitCode() != 1 {
		t.Fatalf("state = %s, want aborted", res.State)
	}
	if k := failure.KindOf(err); k != failure.BackendUnavailable {
		t.Errorf("kind = %s, want BackendUnavailable", k)
	}
	if n := provider.Calls(); n != 5 {
		t.Errorf("reasoning calls = %d, want 5", n)
	}
	if n := atomic.LoadInt32(&retries); n != 5 {
		t.Errorf("OnRetry called %d times, want 5", n)
	}
	if sess.CauseKind != failure.BackendUnavailable {
		t.Errorf("session cause kind = %s", sess.CauseKind)
	}
	if !strings.Contains(res.Report, "Analysis incomplete") {
		t.Errorf("aborted report lacks the incomplete marker: %q", res.Report)
	}
	if len(sess.Turns) != 0 {
		t.Errorf("failed reasoning produced %d turns", len(sess.Turns))
	}
}

func TestExecutor_TransientThenSucceeds(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.QueueError(errors.New("429 too many requests"))
	provider.Queue(&llm.ChatResponse{StopReason: llm.StopLengthLimited})
	provider.Queue(answer("ok"))

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != session.StateAnswered {
		t.Fatalf("state = %s, want answered", res.State)
	}
	if n := provider.Calls(); n != 3 {
		t.Errorf("reasoning calls = %d, want 3", n)
	}
	retries := 0
	for _, ev := range sess.Events {
		if ev.Type == session.EventRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retry events = %d, want 2", retries)
	}
}

func TestExecutor_RepeatedTimeoutsAbortAsUnavailable(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	policy := fastRetry
	policy.MaxAttempts = 3
	policy.Timeout = 10 * time.Millisecond
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{Retry: policy})

	res, err := e.Run(context.Background())
	if k := failure.KindOf(err); k != failure.BackendUnavailable {
		t.Fatalf("kind = %s (%v), want BackendUnavailable", k, err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want aborted", res.State)
	}
	if sess.CauseKind != failure.BackendUnavailable {
		t.Errorf("session cause kind = %s", sess.CauseKind)
	}
	if n := provider.Calls(); n != 3 {
		t.Errorf("reasoning calls = %d, want 3", n)
	}
}

func TestExecutor_BlankReplyIsRetried(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(answer(" \n\t "), answer("the password is hunter2"))

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := provider.Calls(); n != 2 {
		t.Errorf("reasoning calls = %d, want 2", n)
	}
	if !strings.Contains(res.Report, "hunter2") {
		t.Errorf("report = %q, want the second reply", res.Report)
	}
}

func TestNewLimiter(t *testing.T) {
	if l := NewLimiter(0); l != nil {
		t.Error("zero rate produced a limiter")
	}
	if l := NewLimiter(-1); l != nil {
		t.Error("negative rate produced a limiter")
	}
	l := NewLimiter(120)
	if l == nil {
		t.Fatal("positive rate produced no limiter")
	}
	if got := float64(l.Limit()); got != 2 {
		t.Errorf("limit = %v/s, want 2", got)
	}
	if l.Burst() != 1 {
		t.Errorf("burst = %d, want 1", l.Burst())
	}
}

func TestExecutor_BillingErrorIsPermanent(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.SetError(errors.New("402 payment required: insufficient credits"))

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(context.Background())
	if !failure.Is(err, failure.BackendUnavailable) {
		t.Fatalf("err = %v, want BackendUnavailable", err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want aborted", res.State)
	}
	if n := provider.Calls(); n != 1 {
		t.Errorf("reasoning calls = %d, want 1", n)
	}
}

func TestExecutor_Cancellation(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(callCtx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return toolTurn(toolCall("c1", "list_functions", nil)), nil
		}
		cancel()
		<-callCtx.Done()
		return nil, callCtx.Err()
	}

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 10)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})

	res, err := e.Run(ctx)
	if !failure.Is(err, failure.Cancellation) {
		t.Fatalf("err = %v, want CancellationRequested", err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want aborted", res.State)
	}
	if calls != 2 {
		t.Errorf("reasoning calls = %d, want 2", calls)
	}
	if len(sess.Turns) != 1 {
		t.Errorf("turns = %d, want 1", len(sess.Turns))
	}
	if sess.CauseKind != failure.Cancellation {
		t.Errorf("session cause kind = %s", sess.CauseKind)
	}
}

func TestExecutor_FollowUp(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(
		toolTurn(toolCall("c1", "decompile", map[string]interface{}{"function": "main"})),
		answer("main reads a password and checks it."),
	)

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "what does it do", 5)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := e.FollowUp(context.Background(), ""); !failure.Is(err, failure.Validation) {
		t.Errorf("empty follow-up: err = %v", err)
	}

	question := "what password does the check accept?"
	provider.Queue(
		toolTurn(toolCall("c2", "decompile", map[string]interface{}{"function": "0x4011a0"})),
		answer("It accepts hunter2."),
	)
	res, err := e.FollowUp(context.Background(), question)
	if err != nil {
		t.Fatalf("FollowUp: %v", err)
	}
	if res.State != session.StateAnswered || !strings.Contains(res.Report, "hunter2") {
		t.Fatalf("follow-up result = %s %q", res.State, res.Report)
	}
	if res.Turns != 2 || sess.TurnsUsed != 2 || len(sess.Turns) != 4 {
		t.Errorf("turns: run=%d used=%d total=%d, want 2 2 4", res.Turns, sess.TurnsUsed, len(sess.Turns))
	}
	if len(sess.FollowUps) != 1 || sess.Question() != question {
		t.Errorf("follow-ups = %v", sess.FollowUps)
	}

	var marker, openingAsks bool
	msgs := provider.LastRequest().Messages
	for _, m := range msgs {
		if m.Role == "user" && m.Content == "Follow-up question: "+question {
			marker = true
		}
	}
	if strings.Contains(msgs[1].Content, "Current follow-up question: "+question) {
		openingAsks = true
	}
	if !marker || !openingAsks {
		t.Errorf("follow-up not visible to the backend (marker=%v opening=%v)", marker, openingAsks)
	}
	checkClosure(t, sess)
}

func TestExecutor_ContextStaysWithinBudget(t *testing.T) {
	fx := newFixture(t)
	const budget = 900
	comp := compactor.New(budget, 2, nil)

	calls := 0
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		if calls > 12 {
			return answer("done"), nil
		}
		return toolTurn(toolCall("", "list_functions", nil)), nil
	}

	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 20)
	e := newExecutor(t, sess, provider, newTarget(t, fx), Options{Compactor: comp})
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := provider.Requests()
	for i, req := range reqs {
		if n := comp.Estimate(req.Messages); n > budget {
			t.Errorf("request %d estimated at %d tokens, budget %d", i, n, budget)
		}
	}
	last := reqs[len(reqs)-1]
	if len(last.Messages) >= 2+2*12 {
		t.Errorf("last request has %d messages; nothing was elided", len(last.Messages))
	}
	if sess.Turns[len(sess.Turns)-1].Request.Elided == 0 {
		t.Error("turn record does not note the elision")
	}
}

func TestExecutor_ConcurrentSessionsShareRenames(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	fx := newFixture(t)
	shared := cache.New(nil)
	renamed := make(chan struct{})

	providerA := llm.NewMockProvider()
	providerA.Queue(
		toolTurn(toolCall("a1", "decompile", map[string]interface{}{"function": "main"})),
		toolTurn(toolCall("a2", "rename_function", map[string]interface{}{"target": "0x4011a0", "new_name": "check_password"})),
		answer("renamed the checker"),
	)
	sessA := session.New("/samples/crackme", "crackme-sha256", session.ModeAnnotate, "", 5)
	a := newExecutor(t, sessA, providerA, newTarget(t, fx), Options{Cache: shared})
	a.OnToolResult = func(res *tools.Result) {
		if res.Tool == "rename_function" && res.OK() {
			close(renamed)
		}
	}

	callsB := 0
	providerB := llm.NewMockProvider()
	providerB.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		callsB++
		switch callsB {
		case 1:
			return toolTurn(toolCall("b1", "decompile", map[string]interface{}{"function": "main"})), nil
		case 2:
			select {
			case <-renamed:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return toolTurn(toolCall("b2", "decompile", map[string]interface{}{"function": "main"})), nil
		default:
			return answer("main calls check_password"), nil
		}
	}
	sessB := session.New("/samples/crackme", "crackme-sha256", session.ModeExplain, "", 5)
	b := newExecutor(t, sessB, providerB, newTarget(t, fx), Options{Cache: shared})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { _, err := a.Run(ctx); return err })
	g.Go(func() error { _, err := b.Run(ctx); return err })
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sessA.State != session.StateAnswered || sessB.State != session.StateAnswered {
		t.Fatalf("states = %s, %s", sessA.State, sessB.State)
	}
	after := sessB.Turns[1].Results[0]
	if !strings.Contains(string(after.Payload), "check_password") {
		t.Errorf("session B did not see the rename: %s", after.Payload)
	}
	if len(a.Knowledge().Renamed()) != 1 {
		t.Errorf("renamed facts in A = %d, want 1", len(a.Knowledge().Renamed()))
	}
	checkClosure(t, sessA)
	checkClosure(t, sessB)
}

func TestNew_Validation(t *testing.T) {
	fx := newFixture(t)
	sess := session.New("/samples/crackme", "id", session.ModeExplore, "", 1)
	provider := llm.NewMockProvider()

	tests := []struct {
		name string
		sess *session.Session
		opts Options
	}{
		{"no session", nil, Options{Provider: provider, Target: newTarget(t, fx)}},
		{"no provider", sess, Options{Target: newTarget(t, fx)}},
		{"no target", sess, Options{Provider: provider}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.sess, tt.opts); !failure.Is(err, failure.Validation) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestNew_RestoresKnowledge(t *testing.T) {
	fx := newFixture(t)
	provider := llm.NewMockProvider()
	provider.Queue(
		toolTurn(toolCall("c1", "list_functions", nil)),
		answer("listed"),
	)
	sess := session.New("/samples/crackme", "crackme-sha256", session.ModeExplore, "", 5)
	first := newExecutor(t, sess, provider, newTarget(t, fx), Options{})
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	resumed := newExecutor(t, sess, provider, newTarget(t, fx), Options{})
	if got, want := resumed.Knowledge().Len(), first.Knowledge().Len(); got != want || got == 0 {
		t.Errorf("restored %d facts, want %d", got, want)
	}
	if u := resumed.Usage(); u.APICalls != 2 {
		t.Errorf("restored api calls = %d, want 2", u.APICalls)
	}
}

func TestSystemPrompt_Modes(t *testing.T) {
	for _, m := range session.Modes {
		p := SystemPrompt(m)
		if !strings.Contains(p, "analyze_binary") {
			t.Errorf("%s prompt lacks the working method", m)
		}
		if !strings.Contains(p, "## Mode:") {
			t.Errorf("%s prompt lacks a mode section", m)
		}
	}
	if SystemPrompt("bogus") != SystemPrompt(session.ModeExplore) {
		t.Error("unknown mode should fall back to exploration")
	}
}
