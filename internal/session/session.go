// Package session holds the investigation record and its persistence.
package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/unfold/internal/failure"
	"github.com/vinayprograms/unfold/internal/knowledge"
	"github.com/vinayprograms/unfold/internal/llm"
	"github.com/vinayprograms/unfold/internal/tools"
)

// DefaultBudget is the turn budget when none is given.
const DefaultBudget = 50

// State is the lifecycle state of a session.
type State string

const (
	StateRunning   State = "running"
	StateAnswered  State = "answered"
	StateExhausted State = "exhausted"
	StateAborted   State = "aborted"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateExhausted || s == StateAborted
}

// ExitCode maps a terminal state to the process exit code.
func (s State) ExitCode() int {
	switch s {
	case StateAnswered:
		return 0
	case StateExhausted:
		return 2
	default:
		return 1
	}
}

// Mode selects the investigation instructions.
type Mode string

const (
	ModeExplore  Mode = "explore"
	ModeCTF      Mode = "ctf"
	ModeVuln     Mode = "vuln"
	ModeAnnotate Mode = "annotate"
	ModeExplain  Mode = "explain"
)

// Modes lists every mode in display order.
var Modes = []Mode{ModeExplore, ModeCTF, ModeVuln, ModeAnnotate, ModeExplain}

// ParseMode validates a mode name. Empty means explore.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeExplore, nil
	}
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", failure.New(failure.Validation, "parse mode", "unknown mode %q", s)
}

// Event types for the audit log.
const (
	EventStart      = "session_start"
	EventAssistant  = "assistant"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventAudit      = "tool_audit"
	EventRetry      = "retry"
	EventFollowUp   = "follow_up"
	EventEnd        = "session_end"
)

// Event is one entry in the audit log.
type Event struct {
	SeqID      uint64                 `json:"seq"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Turn       int                    `json:"turn"`
	Content    string                 `json:"content,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Cached     bool                   `json:"cached,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
}

// Request records what was sent to the reasoning backend for a turn.
type Request struct {
	Messages int    `json:"messages"`
	Tokens   int    `json:"tokens"`
	Elided   int    `json:"elided,omitempty"`
	Level    string `json:"level,omitempty"`
}

// Turn is one reasoning call and the tool calls it requested.
type Turn struct {
	Index        int                `json:"index"`
	Request      Request            `json:"request"`
	Text         string             `json:"text,omitempty"`
	StopReason   string             `json:"stop_reason,omitempty"`
	Invocations  []tools.Invocation `json:"invocations,omitempty"`
	Results      []tools.Result     `json:"results,omitempty"`
	Model        string             `json:"model,omitempty"`
	InputTokens  int                `json:"input_tokens,omitempty"`
	OutputTokens int                `json:"output_tokens,omitempty"`
	Started      time.Time          `json:"started"`
	Duration     time.Duration      `json:"duration"`
}

// Validate checks that invocations and results pair up one to one by ID.
func (t *Turn) Validate() error {
	if len(t.Invocations) != len(t.Results) {
		return failure.New(failure.InvariantViolation, "append turn",
			"turn %d has %d invocations and %d results", t.Index, len(t.Invocations), len(t.Results))
	}
	ids := make(map[string]bool, len(t.Invocations))
	for _, inv := range t.Invocations {
		if inv.ID == "" || ids[inv.ID] {
			return failure.New(failure.InvariantViolation, "append turn",
				"turn %d has a missing or duplicate invocation id %q", t.Index, inv.ID)
		}
		ids[inv.ID] = true
	}
	for _, res := range t.Results {
		if !ids[res.ID] {
			return failure.New(failure.InvariantViolation, "append turn",
				"turn %d has result %q without an invocation", t.Index, res.ID)
		}
		delete(ids, res.ID)
	}
	return nil
}

// Session is one investigation of one binary.
type Session struct {
	ID         string           `json:"id"`
	BinaryPath string           `json:"binary_path"`
	Identity   string           `json:"identity"`
	Mode       Mode             `json:"mode"`
	Goal       string           `json:"goal,omitempty"`
	FollowUps  []string         `json:"follow_ups,omitempty"`
	Model      string           `json:"model,omitempty"`
	Budget     int              `json:"budget"`
	TurnsUsed  int              `json:"turns_used"`
	State      State            `json:"state"`
	Report     string           `json:"report,omitempty"`
	Incomplete bool             `json:"incomplete,omitempty"`
	Cause      string           `json:"cause,omitempty"`
	CauseKind  failure.Kind     `json:"cause_kind,omitempty"`
	Turns      []Turn           `json:"turns"`
	Events     []Event          `json:"events"`
	Usage      llm.Usage        `json:"usage"`
	Facts      []knowledge.Fact `json:"facts,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`

	seqCounter uint64
	mu         sync.Mutex
}

// New starts a running session. A non-positive budget takes the default.
func New(binaryPath, identity string, mode Mode, goal string, budget int) *Session {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if mode == "" {
		mode = ModeExplore
	}
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		BinaryPath: binaryPath,
		Identity:   identity,
		Mode:       mode,
		Goal:       goal,
		Budget:     budget,
		State:      StateRunning,
		Turns:      []Turn{},
		Events:     []Event{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddEvent appends an event with the next sequence number.
func (s *Session) AddEvent(event Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.SeqID = atomic.AddUint64(&s.seqCounter, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	s.Events = append(s.Events, event)
	s.UpdatedAt = time.Now()
	return event.SeqID
}

// AppendTurn adds a completed turn and counts it against the budget. It is
// the only way turns enter a session.
func (s *Session) AppendTurn(t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State != StateRunning {
		return failure.New(failure.InvariantViolation, "append turn",
			"session is %s", s.State)
	}
	if t.Index != len(s.Turns) {
		return failure.New(failure.InvariantViolation, "append turn",
			"turn index %d, expected %d", t.Index, len(s.Turns))
	}
	if err := t.Validate(); err != nil {
		return err
	}
	s.Turns = append(s.Turns, t)
	s.TurnsUsed++
	s.UpdatedAt = time.Now()
	return nil
}

// Remaining returns the unused turn allowance.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.Budget - s.TurnsUsed; n > 0 {
		return n
	}
	return 0
}

// Finish moves a running session to a terminal state.
func (s *Session) Finish(state State, report string, incomplete bool, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !state.Terminal() {
		return failure.New(failure.InvariantViolation, "finish", "%s is not terminal", state)
	}
	if s.State != StateRunning {
		return failure.New(failure.InvariantViolation, "finish",
			"session already %s", s.State)
	}
	s.State = state
	s.Report = report
	s.Incomplete = incomplete
	if cause != nil {
		s.Cause = failure.Message(cause)
		s.CauseKind = failure.KindOf(cause)
	}
	s.UpdatedAt = time.Now()
	return nil
}

// Reopen resumes a finished session for a follow-up question with a fresh
// turn allowance. Turns already recorded are kept.
func (s *Session) Reopen(question string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateRunning {
		return failure.New(failure.InvariantViolation, "reopen", "session is still running")
	}
	s.State = StateRunning
	s.TurnsUsed = 0
	s.Report = ""
	s.Incomplete = false
	s.Cause = ""
	s.CauseKind = ""
	if question != "" {
		s.FollowUps = append(s.FollowUps, question)
	}
	s.UpdatedAt = time.Now()
	return nil
}

// Question returns the question currently being answered.
func (s *Session) Question() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.FollowUps); n > 0 {
		return s.FollowUps[n-1]
	}
	return s.Goal
}

// ToolCalls counts every tool invocation recorded.
func (s *Session) ToolCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.Turns {
		n += len(s.Turns[i].Invocations)
	}
	return n
}

// Duration is the wall time between creation and the last update.
func (s *Session) Duration() time.Duration {
	return s.UpdatedAt.Sub(s.CreatedAt)
}

// restoreSeq resets the event counter after loading.
func (s *Session) restoreSeq() {
	if len(s.Events) > 0 {
		s.seqCounter = s.Events[len(s.Events)-1].SeqID
	}
}
