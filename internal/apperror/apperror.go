// Package apperror defines the error taxonomy shared by every layer.
//
// Services and repositories return these errors; handlers and the CLI map
// them to status codes or exit messages with errors.Is / errors.As.
//
// STORAGE ERRORS:
//   - ErrBusy:           the ledger's exclusive lock could not be acquired within
//                        the retry budget. Nothing was written; the caller may retry.
//   - ErrUnavailable:    the networked backend could not be reached. No internal
//                        retry loop; retrying is the caller's decision.
//   - ErrReferentialGap: an event or action pointed at a debtor that does not exist.
//                        The public API always upserts identity first, so seeing this
//                        means a programming error.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")

	ErrBusy           = errors.New("storage busy")
	ErrUnavailable    = errors.New("storage unavailable")
	ErrReferentialGap = errors.New("referential gap")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized reports missing or wrong credentials. HTTP handlers map this
// to 401 Unauthorized.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Busy reports that the named lock is held by another writer.
func Busy(lock string, attempts int) *AppError {
	return &AppError{
		Err:     ErrBusy,
		Message: fmt.Sprintf("ledger is busy (lock %s not acquired after %d attempts), retry later", lock, attempts),
	}
}

// Unavailable wraps a backend connectivity failure. The cause stays reachable
// through Unwrap for logging; the message shown to operators stays generic.
func Unavailable(backend string, cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrUnavailable, cause),
		Message: fmt.Sprintf("%s backend unavailable", backend),
	}
}

func ReferentialGap(resource, debtorID string) *AppError {
	return &AppError{
		Err:     ErrReferentialGap,
		Message: fmt.Sprintf("%s references unknown debtor %s", resource, debtorID),
	}
}

// IsRetryable reports whether the same call may succeed later without any
// change on the caller's side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrUnavailable)
}
