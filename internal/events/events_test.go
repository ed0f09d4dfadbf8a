package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/session"
	"github.com/vinayprograms/unfold/internal/tools"
)

type recorder struct {
	mu   sync.Mutex
	got  []Envelope
	fail error
}

func (r *recorder) Publish(_ context.Context, e Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) Close() error { return nil }

func classOf(name string) tools.SideEffect {
	if name == "run_binary" {
		return tools.External
	}
	return tools.Pure
}

func TestForwarder(t *testing.T) {
	sess := session.New("/samples/crackme", "abc", session.ModeCTF, "find it", 5)
	rec := &recorder{}
	f := NewForwarder(context.Background(), rec, sess, classOf, nil)

	f.Tool(&tools.Result{Tool: "decompile", Cached: true, Duration: 3 * time.Millisecond})
	f.Tool(&tools.Result{
		Tool:    "run_binary",
		Args:    tools.Args{"stdin": "hunter2"},
		Failure: &tools.Failure{Kind: failure.Timeout, Message: "killed"},
	})
	f.Turn(&session.Turn{Index: 0, InputTokens: 100, OutputTokens: 20})
	if err := sess.Finish(session.StateAnswered, "done", false, nil); err != nil {
		t.Fatal(err)
	}
	f.Session()

	want := []Envelope{
		{Kind: KindTool, SessionID: sess.ID, Identity: "abc", Tool: "decompile", Cached: true, DurationMs: 3},
		{Kind: KindAudit, SessionID: sess.ID, Identity: "abc", Tool: "run_binary",
			Args: map[string]interface{}{"stdin": "hunter2"}, Error: string(failure.Timeout) + ": killed"},
		{Kind: KindTurn, SessionID: sess.ID, Identity: "abc", Tokens: 120},
		{Kind: KindSession, SessionID: sess.ID, Identity: "abc", State: "answered"},
	}
	opts := cmpopts.IgnoreFields(Envelope{}, "ID", "Time")
	if diff := cmp.Diff(want, rec.got, opts); diff != "" {
		t.Errorf("envelopes mismatch (-want +got):\n%s", diff)
	}

	ids := make(map[string]bool)
	for _, e := range rec.got {
		if e.ID == "" || ids[e.ID] {
			t.Errorf("bad or duplicate id %q", e.ID)
		}
		ids[e.ID] = true
	}
}

func TestForwarder_PublishErrorIsSwallowed(t *testing.T) {
	sess := session.New("/samples/crackme", "abc", session.ModeExplore, "", 5)
	f := NewForwarder(context.Background(), &recorder{fail: errors.New("bus down")}, sess, nil, nil)
	f.Tool(&tools.Result{Tool: "strings"})
	f.Session()
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Envelope{}); err != nil {
		t.Error(err)
	}
	if err := p.Close(); err != nil {
		t.Error(err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !failure.Is(err, failure.BackendUnavailable) {
		t.Errorf("kind = %s, want %s", failure.KindOf(err), failure.BackendUnavailable)
	}
}
