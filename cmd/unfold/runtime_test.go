package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/unfold/internal/config"
	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/session"
)

const fixturePath = "../../internal/analysis/testdata/crackme.yaml"

func writeBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "crackme")
	if err := os.WriteFile(path, []byte("\x7fELF crackme test image"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T, cmd *AnalyzeCmd, storage string) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Storage.Path = storage
	cfg.Output.Format = "markdown"
	cfg.Logging.Level = "error"
	cfg.LLM.InitialBackoff = "1ms"
	cfg.LLM.MaxBackoff = "2ms"
	cmd.Fixture = fixturePath
	applyFlags(cfg, cmd)
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func startRuntime(t *testing.T, cmd *AnalyzeCmd, cfg *config.Config, provider llm.Provider) (*runtime, *bytes.Buffer) {
	t.Helper()
	rt := newRuntime(cmd, cfg)
	var out bytes.Buffer
	rt.stdout = &out
	rt.provider = provider
	if err := rt.setup(context.Background()); err != nil {
		rt.close()
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(rt.close)
	return rt, &out
}

func call(id, name string, args map[string]interface{}) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Args: args}
}

func TestRuntime_CTF(t *testing.T) {
	dir := t.TempDir()
	cmd := &AnalyzeCmd{Binary: writeBinary(t, dir), Mode: "ctf", Goal: "find the password"}
	cfg := testConfig(t, cmd, filepath.Join(dir, "sessions"))

	provider := llm.NewMockProvider()
	provider.Queue(
		&llm.ChatResponse{ToolCalls: []llm.ToolCall{call("c1", "decompile", map[string]interface{}{"function": "FUN_004011a0"})}},
		&llm.ChatResponse{Content: "The password is `hunter2`."},
	)
	rt, out := startRuntime(t, cmd, cfg, provider)

	state, err := rt.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state != session.StateAnswered || state.ExitCode() != 0 {
		t.Fatalf("state = %s", state)
	}
	for _, want := range []string{"# CTF analysis: crackme", "hunter2", "| State | answered |"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}

	list, err := rt.store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].State != session.StateAnswered || list[0].Turns != 2 {
		t.Errorf("saved sessions = %+v", list)
	}

	if got := testutil.ToFloat64(rt.metrics.Sessions.WithLabelValues("answered", "ctf")); got != 1 {
		t.Errorf("sessions metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rt.metrics.ToolCalls.WithLabelValues("decompile", "ok")); got != 1 {
		t.Errorf("decompile metric = %v, want 1", got)
	}
}

func TestRuntime_Exhausted(t *testing.T) {
	dir := t.TempDir()
	cmd := &AnalyzeCmd{Binary: writeBinary(t, dir), Mode: "explore", MaxTurns: 1}
	cfg := testConfig(t, cmd, filepath.Join(dir, "sessions"))

	provider := llm.NewMockProvider()
	provider.Queue(&llm.ChatResponse{ToolCalls: []llm.ToolCall{call("c1", "list_functions", nil)}})
	rt, out := startRuntime(t, cmd, cfg, provider)

	state, _ := rt.run(context.Background())
	if state != session.StateExhausted || state.ExitCode() != 2 {
		t.Fatalf("state = %s (exit %d), want exhausted (exit 2)", state, state.ExitCode())
	}
	if !strings.Contains(out.String(), "**Incomplete.**") {
		t.Errorf("exhausted report not flagged incomplete:\n%s", out.String())
	}
	if provider.Calls() != 1 {
		t.Errorf("reasoning calls = %d, want 1", provider.Calls())
	}
}

func TestRuntime_InteractiveFollowUp(t *testing.T) {
	dir := t.TempDir()
	cmd := &AnalyzeCmd{Binary: writeBinary(t, dir), Mode: "ctf", Goal: "find the password", Interactive: true}
	cfg := testConfig(t, cmd, filepath.Join(dir, "sessions"))

	provider := llm.NewMockProvider()
	provider.Queue(
		&llm.ChatResponse{Content: "The password is hunter2."},
		&llm.ChatResponse{Content: "main calls FUN_004011a0 once."},
	)
	rt, out := startRuntime(t, cmd, cfg, provider)
	questions := []string{"who calls the check?"}
	rt.ask = func() (string, bool, error) {
		if len(questions) == 0 {
			return "", false, nil
		}
		q := questions[0]
		questions = questions[1:]
		return q, true, nil
	}

	state, err := rt.run(context.Background())
	if err != nil || state != session.StateAnswered {
		t.Fatalf("state = %s err = %v", state, err)
	}
	if len(rt.sess.FollowUps) != 1 || rt.sess.FollowUps[0] != "who calls the check?" {
		t.Errorf("follow-ups = %v", rt.sess.FollowUps)
	}
	if !strings.Contains(out.String(), "hunter2") || !strings.Contains(out.String(), "main calls FUN_004011a0 once.") {
		t.Errorf("reports missing answers:\n%s", out.String())
	}
	if got := testutil.ToFloat64(rt.metrics.Sessions.WithLabelValues("answered", "ctf")); got != 2 {
		t.Errorf("sessions metric = %v, want 2", got)
	}
}

func TestRuntime_Resume(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "sessions")
	bin := writeBinary(t, dir)

	first := &AnalyzeCmd{Binary: bin, Mode: "explore", Goal: "what does it do?"}
	provider := llm.NewMockProvider()
	provider.Queue(
		&llm.ChatResponse{ToolCalls: []llm.ToolCall{call("c1", "list_functions", nil)}},
		&llm.ChatResponse{Content: "It checks a password."},
	)
	rt, _ := startRuntime(t, first, testConfig(t, first, storage), provider)
	if _, err := rt.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	id := rt.sess.ID
	rt.close()

	second := &AnalyzeCmd{Resume: "latest", Goal: "which function checks it?"}
	provider = llm.NewMockProvider()
	provider.Queue(&llm.ChatResponse{Content: "FUN_004011a0."})
	rt2, _ := startRuntime(t, second, testConfig(t, second, storage), provider)

	if rt2.sess.ID != id {
		t.Fatalf("resumed %s, want %s", rt2.sess.ID, id)
	}
	if rt2.exec.Knowledge().Len() == 0 {
		t.Error("knowledge not restored")
	}
	state, err := rt2.run(context.Background())
	if err != nil || state != session.StateAnswered {
		t.Fatalf("state = %s err = %v", state, err)
	}
	if len(rt2.sess.Turns) != 3 {
		t.Errorf("turns = %d, want 3", len(rt2.sess.Turns))
	}
	if rt2.sess.Question() != "which function checks it?" {
		t.Errorf("question = %q", rt2.sess.Question())
	}
}

func TestRuntime_ResumeRejectsChangedBinary(t *testing.T) {
	dir := t.TempDir()
	storage := filepath.Join(dir, "sessions")
	bin := writeBinary(t, dir)

	first := &AnalyzeCmd{Binary: bin, Mode: "explore"}
	provider := llm.NewMockProvider()
	provider.Queue(&llm.ChatResponse{Content: "done"})
	rt, _ := startRuntime(t, first, testConfig(t, first, storage), provider)
	if _, err := rt.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	rt.close()

	if err := os.WriteFile(bin, []byte("patched"), 0755); err != nil {
		t.Fatal(err)
	}
	second := &AnalyzeCmd{Resume: "latest"}
	rt2 := newRuntime(second, testConfig(t, second, storage))
	rt2.provider = llm.NewMockProvider()
	defer rt2.close()
	err := rt2.setup(context.Background())
	if !failure.Is(err, failure.Validation) {
		t.Fatalf("setup err = %v, want validation error", err)
	}
}

func TestRuntime_ReportFile(t *testing.T) {
	dir := t.TempDir()
	cmd := &AnalyzeCmd{Binary: writeBinary(t, dir), Mode: "ctf", Output: "json", File: filepath.Join(dir, "out", "report.json")}
	cfg := testConfig(t, cmd, filepath.Join(dir, "sessions"))

	provider := llm.NewMockProvider()
	provider.Queue(&llm.ChatResponse{Content: "The password is hunter2."})
	rt, out := startRuntime(t, cmd, cfg, provider)
	if _, err := rt.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Report written to") {
		t.Errorf("stdout = %q", out.String())
	}

	data, err := os.ReadFile(cmd.File)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		State string `json:"state"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.State != "answered" || !strings.Contains(got.Body, "hunter2") {
		t.Errorf("report = %+v", got)
	}
}

func TestRuntime_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	cmd := &AnalyzeCmd{Mode: "explore"}
	rt := newRuntime(cmd, testConfig(t, cmd, filepath.Join(dir, "sessions")))
	rt.provider = llm.NewMockProvider()
	defer rt.close()
	if err := rt.setup(context.Background()); !failure.Is(err, failure.Validation) {
		t.Errorf("setup err = %v, want validation error", err)
	}
}
