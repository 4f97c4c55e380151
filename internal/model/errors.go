package model

import (
	"errors"
)

var (
	ErrNotFound           = errors.New("job not found")
	ErrAlreadyTerminal    = errors.New("job already finished")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvariant          = errors.New("job invariant violated")
	ErrInProgress         = errors.New("scan in progress")
	ErrSpawn              = errors.New("scanner could not be started")
	ErrExitNonZero        = errors.New("scanner exited with non-zero status")
	ErrMissingOutput      = errors.New("scanner produced no output")
	ErrRowParse           = errors.New("invalid row")
	ErrTerminationTimeout = errors.New("termination did not complete")
)

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindSpawn              ErrorKind = "spawn"
	ErrorKindExitNonZero        ErrorKind = "exit_non_zero"
	ErrorKindMissingOutput      ErrorKind = "missing_output"
	ErrorKindTerminationTimeout ErrorKind = "termination_timeout"
	ErrorKindMaterialize        ErrorKind = "materialize"
)

// KindOf maps an error to the kind stored in a failed job.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrSpawn):
		return ErrorKindSpawn
	case errors.Is(err, ErrExitNonZero):
		return ErrorKindExitNonZero
	case errors.Is(err, ErrMissingOutput):
		return ErrorKindMissingOutput
	case errors.Is(err, ErrTerminationTimeout):
		return ErrorKindTerminationTimeout
	default:
		return ErrorKindMaterialize
	}
}
