package cmd

import (
	"errors"

	"github.com/JochenWeerda/valeo-apm/internal/apmerr"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
	ExitEngine       = 3
	ExitStorage      = 4
	ExitTimeout      = 5
)

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch apmerr.KindOf(err) {
	case apmerr.PreconditionMissing:
		return ExitPrecondition
	case apmerr.Engine, apmerr.InconsistentDesign, apmerr.Permanent:
		return ExitEngine
	case apmerr.Storage:
		return ExitStorage
	case apmerr.Timeout, apmerr.Cancelled:
		return ExitTimeout
	}
	if errors.Is(err, store.ErrNotFound) {
		return ExitPrecondition
	}
	return ExitFailure
}
