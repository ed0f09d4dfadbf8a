// Package sandbox runs target binaries in isolation for dynamic analysis.
package sandbox

import (
	"context"
	"fmt"

	"github.com/vinayprograms/unfold/internal/failure"
)

// TraceMode selects what the sandbox records while the target runs.
type TraceMode string

const (
	TraceNone     TraceMode = "none"
	TraceCalls    TraceMode = "calls"
	TraceSyscalls TraceMode = "syscalls"
)

// ParseTraceMode validates s. Empty means none.
func ParseTraceMode(s string) (TraceMode, error) {
	switch TraceMode(s) {
	case "", TraceNone:
		return TraceNone, nil
	case TraceCalls, TraceSyscalls:
		return TraceMode(s), nil
	}
	return "", fmt.Errorf("unknown trace mode %q (want none, calls or syscalls)", s)
}

// Request is a single execution.
type Request struct {
	BinaryPath string
	Args       []string
	Stdin      string
	Trace      TraceMode
}

// Result is what the target produced.
type Result struct {
	Stdout      string   `json:"stdout" yaml:"stdout"`
	Stderr      string   `json:"stderr" yaml:"stderr"`
	ExitCode    int      `json:"exit_code" yaml:"exit_code"`
	TraceEvents []string `json:"trace_events,omitempty" yaml:"trace"`
	TimedOut    bool     `json:"timed_out,omitempty" yaml:"-"`
	Truncated   bool     `json:"truncated,omitempty" yaml:"-"`
}

// Runner executes binaries.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Disabled refuses every request.
type Disabled struct{}

// Run implements Runner.
func (Disabled) Run(ctx context.Context, req Request) (*Result, error) {
	return nil, failure.New(failure.BackendUnavailable, "run_binary",
		"dynamic execution is disabled (set [sandbox] backend = \"docker\")")
}
