// Package apperrors defines the error kinds the core raises and the single
// place that maps them to HTTP status codes. Handlers return an *Error (or
// a wrapped one) instead of writing gin.H{"error": ...} ad hoc so the
// mapping lives in exactly one place.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories from the error handling design.
type Kind string

const (
	NotFound          Kind = "not_found"
	ValidationError   Kind = "validation_error"
	StateConflict     Kind = "state_conflict"
	ConcurrencyLoss   Kind = "concurrency_loss"
	InvalidTransition Kind = "invalid_transition"
	ForbiddenAgent    Kind = "forbidden_agent"
	Unauthorized      Kind = "unauthorized"
	Internal          Kind = "internal"
)

// Error is the typed error every component in the core should return for
// anything the caller is expected to handle (as opposed to a bare driver
// error, which gets wrapped as Internal at the repository boundary).
type Error struct {
	Kind          Kind
	Message       string
	CurrentStatus string // optional, populated for StateConflict/ConcurrencyLoss
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Internal *Error carrying a lower-level cause (e.g. a
// driver error from the store).
func Wrap(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: Internal, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithStatus attaches a current-status hint used by StateConflict and
// ConcurrencyLoss responses.
func (e *Error) WithStatus(status string) *Error {
	e.CurrentStatus = status
	return e
}

// KindOf extracts the Kind from err, defaulting to Internal for anything
// that isn't an *Error (a bare driver error, a context cancellation, etc).
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
