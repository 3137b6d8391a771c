package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed submission. It surfaces to the
	// caller and never enters the queue.
	ErrValidation = errors.New("invalid job submission")

	// ErrConflict is returned when a job id already exists in the record
	// store.
	ErrConflict = errors.New("job already exists")

	// ErrNotFound is returned for an unknown job id or queue entry.
	ErrNotFound = errors.New("job not found")

	// ErrForbidden is returned when an ownership or role check fails.
	ErrForbidden = errors.New("access denied")

	// ErrUnauthenticated is returned when a bearer credential is missing,
	// invalid, or expired.
	ErrUnauthenticated = errors.New("authentication required")
)

// ExecutionError is a handler-level failure: timeout, runtime fault, or an
// invalid operation for the payload. It triggers the queue's backoff-retry
// policy until attempts are exhausted.
type ExecutionError struct {
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution failed: %s: %v", e.Reason, e.Err)
	}
	return "execution failed: " + e.Reason
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// NewExecutionError builds an ExecutionError with a stable reason string.
func NewExecutionError(reason string, err error) error {
	return &ExecutionError{Reason: reason, Err: err}
}

// TransientError wraps infrastructure failures (store or bus unreachable).
// On the queue/record path it must surface; on the bus path it is logged
// and swallowed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient infrastructure error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a TransientError anywhere in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
