// Package errors defines the structured error taxonomy returned by the
// database directory core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode defines specific error types.
type ErrorCode string

const (
	// ErrNotFound is returned when a database or registry entry is absent.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrConflict is returned when an identifier or name is already registered.
	ErrConflict ErrorCode = "CONFLICT"
	// ErrPersistence is returned when reading or writing a manifest fails.
	ErrPersistence ErrorCode = "PERSISTENCE_FAILURE"
	// ErrCorruptManifest is returned when a manifest exists but cannot be decoded.
	ErrCorruptManifest ErrorCode = "CORRUPT_MANIFEST"
	// ErrInvalidID is returned when an identifier is not a valid UUID.
	ErrInvalidID ErrorCode = "INVALID_ID"
	// ErrValidationFailed is returned when input data fails validation.
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
)

// Error is a concrete error type with a code, a message, optional details and
// an optional wrapped cause.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		details: make(map[string]any),
	}
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Retryable reports whether the operation that produced the error may succeed
// if attempted again. Only persistence failures are transient.
func (e *Error) Retryable() bool {
	return e.code == ErrPersistence
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether err is a transient failure.
func Retryable(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Retryable()
}

// Predefined error constructors for common cases

// NotFound creates a not found error for the given resource.
func NotFound(resource string) *Error {
	return New(ErrNotFound, fmt.Sprintf("%s not found", resource))
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(ErrConflict, message)
}

// Persistence creates a persistence failure wrapping the underlying I/O error.
func Persistence(message string, err error) *Error {
	return New(ErrPersistence, message).Wrap(err)
}

// CorruptManifest creates an error for a manifest at path that failed to decode.
func CorruptManifest(path string, err error) *Error {
	return New(ErrCorruptManifest, fmt.Sprintf("corrupt manifest %s", path)).WithDetail("path", path).Wrap(err)
}

// InvalidID creates an error for malformed identifier text.
func InvalidID(s string, err error) *Error {
	return New(ErrInvalidID, fmt.Sprintf("invalid identifier %q", s)).Wrap(err)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(ErrValidationFailed, message)
}
