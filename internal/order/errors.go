package order

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrVersionConflict means the caller's expected version is stale.
	// Retryable: re-read the order and resubmit the command.
	ErrVersionConflict = errors.New("order version conflict")
)

type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// InvalidTransitionError is a deterministic domain failure: the command does
// not apply to the current status. Retrying cannot change the outcome.
type InvalidTransitionError struct {
	From    Status
	Command Command
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s order in status %s", e.Command, e.From)
}
