package game

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed or out-of-range input. Never retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// ConflictError rejects an operation that is valid in form but impossible
// in the current state: a duplicate bet, a cashout after the crash, a bet
// outside the betting window. Retrying the same request cannot succeed.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// TransientError wraps an infrastructure failure the caller may retry:
// a full queue, an oracle outage, a persistence timeout.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a broken internal invariant. Not actionable by players;
// the scheduler aborts the affected round when it sees one.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}
