package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/unfold/internal/failure"
)

// FixtureRun is one scripted execution. Nil Args match any arguments and an
// empty Stdin matches any input.
type FixtureRun struct {
	Args   []string `yaml:"args"`
	Stdin  string   `yaml:"stdin"`
	Result Result   `yaml:",inline"`
}

// Fixture answers runs from a script. It reads the `runs` key of the same
// YAML file the analysis fixture uses.
type Fixture struct {
	mu      sync.Mutex
	runs    []FixtureRun
	history []Request
}

// LoadFixture reads the runs of a YAML program model.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var doc struct {
		Runs []FixtureRun `yaml:"runs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return NewFixture(doc.Runs), nil
}

// NewFixture creates a scripted runner. First match wins.
func NewFixture(runs []FixtureRun) *Fixture {
	return &Fixture{runs: runs}
}

// Run implements Runner.
func (f *Fixture) Run(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, req)

	for _, run := range f.runs {
		if run.Args != nil && !equalArgs(run.Args, req.Args) {
			continue
		}
		if run.Stdin != "" && run.Stdin != req.Stdin {
			continue
		}
		out := run.Result
		if req.Trace == TraceNone || req.Trace == "" {
			out.TraceEvents = nil
		}
		return &out, nil
	}
	return nil, failure.New(failure.ToolExecution, "run_binary", "no scripted run for args %q", req.Args)
}

// History returns every request received.
func (f *Fixture) History() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.history...)
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
