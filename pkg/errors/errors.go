package errors

import (
	"errors"
	"fmt"
)

// Standard error codes used across the system. Adapters and domain
// packages define their own codes for finer-grained cases but should
// reuse these for the common categories.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeConflict        = "CONFLICT"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// AppError is the standard structured error used across the system.
// It carries a stable Code for programmatic handling, a human-readable
// Message, and an optional wrapped Err for chaining.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, target) to match on Code when target is also
// an *AppError, in addition to normal identity/chain comparison.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an AppError with the given code, message, and optional
// wrapped error.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches additional context to an existing error, preserving its
// code if it is already an AppError, and defaulting to CodeInternal
// otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound, Conflict, Forbidden, Internal, InvalidArgument are
// convenience constructors for the common error categories.

func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

func Forbidden(message string, err error) *AppError {
	return New(CodeForbidden, message, err)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

func Unavailable(message string, err error) *AppError {
	return New(CodeUnavailable, message, err)
}

func Timeout(message string, err error) *AppError {
	return New(CodeTimeout, message, err)
}

// Is reports whether err's chain contains an *AppError whose Code equals
// the given code.
func Is(err error, code string) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// As is re-exported so callers only need to import this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}
