package tools

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/vinayprograms/unfold/internal/analysis"
	"github.com/vinayprograms/unfold/internal/binary"
	"github.com/vinayprograms/unfold/internal/cache"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/logging"
	"github.com/vinayprograms/unfold/internal/sandbox"
)

func newFixture(t *testing.T) *analysis.Fixture {
	t.Helper()
	fx, err := analysis.LoadFixture("../analysis/testdata/crackme.yaml")
	if err != nil {
		t.Fatal(err)
	}
	return fx
}

func newTarget(t *testing.T, fx *analysis.Fixture, id binary.Identity) *Target {
	t.Helper()
	p, err := fx.Open(context.Background(), "crackme")
	if err != nil {
		t.Fatal(err)
	}
	return &Target{Path: "crackme", Identity: id, Project: p}
}

func newRegistry(t *testing.T, c *cache.Cache) *Registry {
	t.Helper()
	r := NewRegistry(c, nil)
	if err := RegisterBinaryTools(r, Timeouts{}); err != nil {
		t.Fatal(err)
	}
	return r
}

func call(r *Registry, tg *Target, name string, args map[string]interface{}) Result {
	return r.Dispatch(context.Background(), tg, Invocation{ID: "call-" + name, Name: name, Args: args})
}

func TestDispatch_Validation(t *testing.T) {
	fx := newFixture(t)
	r := newRegistry(t, nil)
	tg := newTarget(t, fx, "id")

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
	}{
		{"unknown tool", "disassemble_everything", nil},
		{"missing required", "decompile", nil},
		{"wrong type", "decompile", map[string]interface{}{"function": true}},
		{"unknown parameter", "get_strings", map[string]interface{}{"filter": "pass"}},
		{"count above max", "read_bytes", map[string]interface{}{"address": "0x403000", "count": 2000}},
		{"count not integral", "read_bytes", map[string]interface{}{"address": "0x403000", "count": 1.5}},
		{"bad address", "read_bytes", map[string]interface{}{"address": "not-an-address"}},
		{"bad new name", "rename_function", map[string]interface{}{"target": "main", "new_name": "has space"}},
		{"bad trace", "run_binary", map[string]interface{}{"trace": "everything"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(r, tg, tt.tool, tt.args)
			if res.OK() {
				t.Fatalf("expected failure, got payload %s", res.Payload)
			}
			if res.Failure.Kind != failure.Validation {
				t.Errorf("kind = %s, want ValidationError (%s)", res.Failure.Kind, res.Failure.Message)
			}
		})
	}

	for _, op := range []string{"decompile", "read_bytes", "rename", "strings"} {
		if n := fx.Calls(op); n != 0 {
			t.Errorf("%s reached the backend %d times", op, n)
		}
	}
}

func TestDispatch_DefaultsAndNormalization(t *testing.T) {
	fx := newFixture(t)
	r := newRegistry(t, nil)
	tg := newTarget(t, fx, "id")

	res := call(r, tg, "read_bytes", map[string]interface{}{"address": "403000h", "count": float64(4)})
	if !res.OK() {
		t.Fatalf("read_bytes failed: %s", res.Failure.Message)
	}
	want := Args{"address": "0x403000", "count": 4}
	if diff := cmp.Diff(want, res.Args); diff != "" {
		t.Errorf("normalized args mismatch (-want +got):\n%s", diff)
	}
	var b analysis.Bytes
	if err := res.Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Hex != "de ad be ef" {
		t.Errorf("hex = %q", b.Hex)
	}

	res = call(r, tg, "read_bytes", map[string]interface{}{"address": "0x403000"})
	if res.Args.Int("count") != 64 {
		t.Errorf("default count not applied: %v", res.Args)
	}
}

func TestDispatch_ProxyPrefixes(t *testing.T) {
	r := newRegistry(t, nil)
	tg := newTarget(t, newFixture(t), "id")

	for _, name := range []string{"proxy_list_functions", "functions.list_functions", "tools.list_functions"} {
		res := call(r, tg, name, nil)
		if !res.OK() {
			t.Errorf("%s: %s", name, res.Failure.Message)
		}
		if res.Tool != "list_functions" {
			t.Errorf("%s resolved to %s", name, res.Tool)
		}
	}
}

func TestDispatch_PureCachedOnce(t *testing.T) {
	fx := newFixture(t)
	r := newRegistry(t, nil)
	tg := newTarget(t, fx, "id")

	first := call(r, tg, "decompile", map[string]interface{}{"function": "0x4011A0"})
	second := call(r, tg, "decompile", map[string]interface{}{"function": "4011a0h"})

	if !first.OK() || !second.OK() {
		t.Fatalf("decompile failed: %v %v", first.Err(), second.Err())
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v, %v; want false, true", first.Cached, second.Cached)
	}
	if fx.Calls("decompile") != 1 {
		t.Errorf("backend saw %d decompile calls, want 1", fx.Calls("decompile"))
	}
	if string(first.Payload) != string(second.Payload) {
		t.Error("cached payload differs from the live one")
	}
}

func TestDispatch_MissingAddressIsToolError(t *testing.T) {
	r := newRegistry(t, nil)
	tg := newTarget(t, newFixture(t), "id")

	res := call(r, tg, "decompile", map[string]interface{}{"function": "0xdeadbeef"})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Kind != failure.ToolExecution {
		t.Errorf("kind = %s, want ToolExecutionError", res.Failure.Kind)
	}
	if !strings.Contains(res.Content(), "ToolExecutionError") {
		t.Errorf("content should carry the kind: %s", res.Content())
	}

	// Failures are not cached.
	if r.Cache().Len("id") != 0 {
		t.Error("failed call was cached")
	}
}

func TestDispatch_RenameInvalidatesCallers(t *testing.T) {
	fx := newFixture(t)
	r := newRegistry(t, nil)
	tg := newTarget(t, fx, "id")

	call(r, tg, "decompile", map[string]interface{}{"function": "main"})
	call(r, tg, "get_strings", nil)

	res := call(r, tg, "rename_function", map[string]interface{}{"target": "FUN_004011a0", "new_name": "check_password"})
	if !res.OK() {
		t.Fatalf("rename failed: %s", res.Failure.Message)
	}
	for _, k := range []string{"name:FUN_004011a0", "name:check_password", "addr:0x4011a0", cache.AllFunctions} {
		if !contains(res.Invalidated, k) {
			t.Errorf("rename did not invalidate %s (got %v)", k, res.Invalidated)
		}
	}

	after := call(r, tg, "decompile", map[string]interface{}{"function": "main"})
	if after.Cached {
		t.Fatal("main's pseudocode mentions the renamed callee and must be recomputed")
	}
	var d analysis.Decompiled
	if err := after.Decode(&d); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(d.Code, "check_password(buf)") || strings.Contains(d.Code, "FUN_004011a0") {
		t.Errorf("stale pseudocode after rename:\n%s", d.Code)
	}

	if s := call(r, tg, "get_strings", nil); !s.Cached {
		t.Error("strings do not depend on names and should stay cached")
	}
	if fx.Calls("decompile") != 2 {
		t.Errorf("decompile calls = %d, want 2", fx.Calls("decompile"))
	}
}

func TestDispatch_RenameVisibleAcrossSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	fx := newFixture(t)
	shared := cache.New(nil)
	a := newRegistry(t, shared)
	b := newRegistry(t, shared)
	ta := newTarget(t, fx, "same-binary")
	tb := newTarget(t, fx, "same-binary")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			call(a, ta, "decompile", map[string]interface{}{"function": "main"})
		}
	}()
	go func() {
		defer wg.Done()
		res := call(b, tb, "rename_function", map[string]interface{}{"target": "0x4011a0", "new_name": "check_password"})
		if !res.OK() {
			t.Errorf("rename failed: %s", res.Failure.Message)
		}
	}()
	wg.Wait()

	res := call(a, ta, "decompile", map[string]interface{}{"function": "main"})
	var d analysis.Decompiled
	if err := res.Decode(&d); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(d.Code, "check_password") {
		t.Errorf("session A sees pre-rename pseudocode:\n%s", d.Code)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Spec{
		Name:    "slow",
		Class:   Pure,
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, tg *Target, args Args) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), &Target{Identity: "id"}, Invocation{ID: "1", Name: "slow"})
	if res.OK() || res.Failure.Kind != failure.Timeout {
		t.Fatalf("expected TimeoutError, got %+v", res.Failure)
	}
}

func TestDispatch_CanceledContext(t *testing.T) {
	r := newRegistry(t, nil)
	tg := newTarget(t, newFixture(t), "id")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Dispatch(ctx, tg, Invocation{ID: "1", Name: "list_functions"})
	if res.OK() || res.Failure.Kind != failure.Cancellation {
		t.Fatalf("expected cancellation, got %+v", res.Failure)
	}
}

func TestDispatch_ExternalIsAudited(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)

	r := NewRegistry(nil, logger)
	if err := RegisterBinaryTools(r, Timeouts{}); err != nil {
		t.Fatal(err)
	}
	runner := sandbox.NewFixture([]sandbox.FixtureRun{
		{Stdin: "hunter2\n", Result: sandbox.Result{Stdout: "Password: Access granted\n"}},
	})
	tg := &Target{Path: "crackme", Identity: "id", Runner: runner}

	args := map[string]interface{}{"stdin": "hunter2\n"}
	first := call(r, tg, "run_binary", args)
	second := call(r, tg, "run_binary", args)
	if !first.OK() {
		t.Fatalf("run failed: %s", first.Failure.Message)
	}
	if second.Cached {
		t.Error("external-effectful results must never be cached")
	}
	if len(runner.History()) != 2 {
		t.Errorf("runner saw %d runs, want 2", len(runner.History()))
	}

	var out sandbox.Result
	if err := first.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "Password: Access granted\n" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if !strings.Contains(buf.String(), "tool_audit") || !strings.Contains(buf.String(), "hunter2") {
		t.Errorf("audit log missing full arguments:\n%s", buf.String())
	}
}

func TestDispatch_RunWithoutSandbox(t *testing.T) {
	r := newRegistry(t, nil)
	res := call(r, &Target{Path: "crackme", Identity: "id"}, "run_binary", nil)
	if res.OK() || res.Failure.Kind != failure.BackendUnavailable {
		t.Fatalf("expected BackendUnavailable, got %+v", res.Failure)
	}
}

func TestSessionTools(t *testing.T) {
	r := NewRegistry(nil, nil)
	var gotQuery string
	err := RegisterSessionTools(r, func(ctx context.Context, query string, limit int) (interface{}, error) {
		gotQuery = query
		return []string{"FUN_004011a0"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	res := r.Dispatch(context.Background(), nil, Invocation{ID: "1", Name: "record_hypothesis",
		Args: map[string]interface{}{"note": "compares input with hunter2", "address": "0x4011A0"}})
	var h Hypothesis
	if err := res.Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Address != "0x4011a0" || h.Note != "compares input with hunter2" {
		t.Errorf("unexpected hypothesis %+v", h)
	}

	res = r.Dispatch(context.Background(), nil, Invocation{ID: "2", Name: "search_knowledge",
		Args: map[string]interface{}{"query": "password"}})
	if !res.OK() || gotQuery != "password" || res.Args.Int("limit") != 10 {
		t.Errorf("search_knowledge: ok=%v query=%q args=%v", res.OK(), gotQuery, res.Args)
	}
	if res.Cached {
		t.Error("session tools are never cached")
	}
}

func TestDefinitions(t *testing.T) {
	r := newRegistry(t, nil)
	defs := r.Definitions()
	if len(defs) != 14 {
		t.Errorf("expected 14 binary tools, got %d", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name > defs[i].Name {
			t.Fatalf("definitions not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
	rb := r.Get("rename_function").Schema()
	if diff := cmp.Diff([]string{"target", "new_name"}, rb["required"]); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
}

func TestRegister_Rejects(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := func(context.Context, *Target, Args) (interface{}, error) { return nil, nil }
	if err := r.Register(Spec{Name: "a", Class: Pure, Handler: h}); err != nil {
		t.Fatal(err)
	}
	if r.Register(Spec{Name: "a", Class: Pure, Handler: h}) == nil {
		t.Error("duplicate name accepted")
	}
	if r.Register(Spec{Name: "b", Class: "sometimes", Handler: h}) == nil {
		t.Error("unknown class accepted")
	}
	if r.Register(Spec{Name: "c", Class: Pure}) == nil {
		t.Error("missing handler accepted")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 30000); got != "short" {
		t.Errorf("short text changed: %q", got)
	}
	long := strings.Repeat("x", 100)
	got := Truncate(long, 10)
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) || !strings.HasSuffix(got, "... (truncated)") {
		t.Errorf("unexpected truncation %q", got)
	}
	// Never split a multi-byte rune.
	if got := Truncate("ééé", 3); got != "é\n... (truncated)" {
		t.Errorf("rune boundary not respected: %q", got)
	}
}
