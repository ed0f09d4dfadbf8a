// Package failure defines the error kinds shared by the orchestration engine.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for the failure policy.
type Kind string

const (
	// Validation is a malformed tool request. It never reaches a backend.
	Validation Kind = "ValidationError"
	// BackendUnavailable means a backend could not be reached or refused service.
	BackendUnavailable Kind = "BackendUnavailable"
	// ToolExecution is a tool-specific failure, such as an invalid address.
	ToolExecution Kind = "ToolExecutionError"
	// Timeout is a per-call deadline that expired.
	Timeout Kind = "TimeoutError"
	// BudgetExhausted is the turn budget being reached.
	BudgetExhausted Kind = "BudgetExhausted"
	// Cancellation is an external cancellation signal.
	Cancellation Kind = "CancellationRequested"
	// InvariantViolation is an internal consistency breach.
	InvariantViolation Kind = "InvariantViolation"
)

// Error is a classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Context errors map to Timeout and
// Cancellation; anything unclassified is a ToolExecution error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancellation
	}
	return ToolExecution
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human-readable part of err without the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
	}
	return err.Error()
}
