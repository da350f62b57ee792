package state

import (
	"errors"
	"fmt"
)

// ErrResourceNotFound is returned when a resource ID is not present in
// the state snapshot.
var ErrResourceNotFound = errors.New("resource not found in state")

// ErrLocked is returned when the state lock is already held by another
// run.
var ErrLocked = errors.New("state is locked by another run")

// Error wraps a state persistence failure with the operation and file
// that caused it. A corrupt or unreadable state file surfaces as an
// Error so the orchestrator can refuse to proceed instead of blindly
// overwriting.
type Error struct {
	// Op is the operation that failed (load, save, lock).
	Op string

	// Path is the state file involved.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}
