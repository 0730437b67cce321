package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyExists     = errors.New("task already exists")
	ErrTerminal          = errors.New("task is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrImmutableField    = errors.New("field is not mutable")
	ErrStoreUnavailable  = errors.New("task store unavailable")
)

// ValidationError rejects a submission before any record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StoreError wraps a backend failure (connection refused, driver error).
// It matches ErrStoreUnavailable under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// TransitionError describes a rejected status update.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Is matches ErrTerminal when the record was already finished, and
// ErrInvalidTransition otherwise.
func (e *TransitionError) Is(target error) bool {
	if target == ErrTerminal {
		return e.From.IsTerminal()
	}
	return target == ErrInvalidTransition
}
