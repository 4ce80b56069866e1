package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a proposed status is not allowed
	// from the row's current status.
	ErrInvalidTransition = errors.New("reconcile: invalid transition")

	// ErrNoCommonTransition is returned when the selected rows share no
	// allowed target status.
	ErrNoCommonTransition = errors.New("reconcile: no common transition")

	// ErrUnknownRecord is returned for an ID outside the loaded baseline.
	ErrUnknownRecord = errors.New("reconcile: unknown record")

	// ErrBusy is returned while a publish or its refetch is in progress.
	ErrBusy = errors.New("reconcile: publish in progress")
)

// PublishError reports a failed publish. Pending edits are kept.
type PublishError struct {
	Requested int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %d edits: %v", e.Requested, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
