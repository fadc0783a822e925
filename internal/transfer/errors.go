package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrGrantExpired is returned when a transfer is attempted after the grant's expiry.
	// It is distinct from network errors so callers can request a fresh grant.
	ErrGrantExpired = errors.New("transfer: grant expired")
	// ErrGrantConsumed is returned when a single-use grant was already used
	ErrGrantConsumed = errors.New("transfer: grant already used")
	// ErrNoGrant is returned when a task is submitted without a grant
	ErrNoGrant = errors.New("transfer: task has no grant")
	// ErrTaskNotPending is returned when a task is submitted twice
	ErrTaskNotPending = errors.New("transfer: task is not pending")
	// ErrCancelled is the error recorded on cancelled tasks
	ErrCancelled = errors.New("transfer: cancelled")
)

// TransferError is a failed PUT: either a non-2xx status or a network error.
// It is fatal to its own task only.
type TransferError struct {
	Key    string
	Status int    // 0 for network errors
	Body   string // first bytes of the error body returned by storage
	Err    error  // network error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer: put %q: %v", e.Key, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("transfer: put %q: status %d: %s", e.Key, e.Status, e.Body)
	}
	return fmt.Sprintf("transfer: put %q: status %d", e.Key, e.Status)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether the transfer failed before storage answered
func (e *TransferError) IsNetwork() bool {
	return e.Err != nil
}
