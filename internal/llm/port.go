// Package llm is the boundary to language models and embedding backends.
//
// The core never assumes determinism from a Port. Failures are classified as
// apmerr.Transient, apmerr.Permanent or apmerr.Timeout so callers can decide
// between retrying and degrading.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/phase"
)

// Request is a single stateless generation call.
type Request struct {
	Phase phase.Phase
	// Task names what the caller wants, e.g. "summarize-requirement".
	Task   string
	Prompt string
	// Context holds grounding passages, most relevant first.
	Context []string
}

// Port generates text.
type Port interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Name identifies the backend in artifact provenance.
	Name() string
}

// EmbeddingPort turns text into vectors.
type EmbeddingPort interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Transientf returns a retryable failure.
func Transientf(format string, args ...any) error {
	return apmerr.New(apmerr.Transient, format, args...)
}

// Permanentf returns a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return apmerr.New(apmerr.Permanent, format, args...)
}

// FromContext maps a context error onto the failure taxonomy. An expired
// deadline is a Timeout, an explicit cancel is Cancelled.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apmerr.Wrap(apmerr.Timeout, err, "llm deadline exceeded")
	case errors.Is(err, context.Canceled):
		return apmerr.Wrap(apmerr.Cancelled, err, "llm call cancelled")
	}
	return err
}

// Classify gives an unclassified backend error a kind. Context errors win so a
// call cut short by its deadline is never retried.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return FromContext(ctxErr)
	}
	if apmerr.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FromContext(err)
	}
	return apmerr.Wrap(apmerr.Transient, err, "llm backend")
}

// IsFailure reports whether err is one of the three port failure kinds.
func IsFailure(err error) bool {
	switch apmerr.KindOf(err) {
	case apmerr.Transient, apmerr.Permanent, apmerr.Timeout:
		return true
	}
	return false
}

// ProducerID names an engine run for Artifact.ProducedBy.
func ProducerID(p phase.Phase, port Port) string {
	name := "none"
	if port != nil {
		name = port.Name()
	}
	return fmt.Sprintf("engine/%s@%s", p, name)
}
