// Package apmerr defines the error taxonomy shared by the workflow core.
package apmerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide between retry, escalation
// and surfacing it to the operator.
type Kind string

const (
	// PreconditionMissing means the required prior artifact is absent.
	PreconditionMissing Kind = "PreconditionMissing"
	// InconsistentDesign means inter-artifact invariants are violated.
	InconsistentDesign Kind = "InconsistentDesign"
	// Busy means another operation holds the project lock.
	Busy Kind = "Busy"
	// ConcurrentAdvance means the phase pointer changed underneath the caller.
	ConcurrentAdvance Kind = "ConcurrentAdvance"
	// Transient is retryable.
	Transient Kind = "Transient"
	// Permanent is not retryable.
	Permanent Kind = "Permanent"
	// Timeout means a deadline expired.
	Timeout Kind = "Timeout"
	// Cancelled means the caller cancelled the operation.
	Cancelled Kind = "Cancelled"
	// Storage means persistence failed.
	Storage Kind = "Storage"
	// Engine means a phase engine raised an unclassified error.
	Engine Kind = "Engine"
)

// Error is the structured error carried through the core.
type Error struct {
	Kind     Kind
	Project  string
	Phase    string
	LastGood string
	Message  string
	cause    error
}

// Error renders the operator-visible message.
func (e *Error) Error() string {
	var parts []string
	if e.Project != "" {
		parts = append(parts, "project="+e.Project)
	}
	if e.Phase != "" {
		parts = append(parts, "phase="+e.Phase)
	}
	parts = append(parts, "kind="+string(e.Kind))
	if e.LastGood != "" {
		parts = append(parts, "lastGood="+e.LastGood)
	}
	head := strings.Join(parts, ", ")

	msg := e.Message
	if e.cause != nil {
		if msg == "" {
			msg = e.cause.Error()
		} else {
			msg = msg + ": " + e.cause.Error()
		}
	}
	if msg == "" {
		return head
	}
	return head + ": " + msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithContext returns err annotated with project, phase and the last good artifact.
// Fields already set on err are kept. Errors without a kind become Engine errors.
func WithContext(err error, project, phase, lastGood string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: Engine, Project: project, Phase: phase, LastGood: lastGood, cause: err}
	}
	out := *e
	if out.Project == "" {
		out.Project = project
	}
	if out.Phase == "" {
		out.Phase = phase
	}
	if out.LastGood == "" {
		out.LastGood = lastGood
	}
	return &out
}

// Retryable reports whether err may succeed on retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Busy, ConcurrentAdvance:
		return true
	default:
		return false
	}
}
