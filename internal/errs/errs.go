// Package errs defines the engine's error taxonomy. Validation failures are
// raised before any mutation; state conflicts and not-found errors surface
// directly to the caller and are never retried internally.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError covers bad input: missing or inactive account references,
// non-positive amounts, transfers to the same account, installment principal
// sums that do not match the loan principal, insufficient available balance.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// StateConflictError covers operations that are legal in principle but not
// in the record's current state, e.g. approving a transaction that is not
// PENDING, or replaying a resubmission key.
type StateConflictError struct {
	Msg string
}

func (e *StateConflictError) Error() string { return e.Msg }

func StateConflict(format string, args ...any) error {
	return &StateConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError covers unknown account, transaction, payment request, loan
// or installment ids.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func NotFound(format string, args ...any) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStateConflict(err error) bool {
	var ce *StateConflictError
	return errors.As(err, &ce)
}

func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
