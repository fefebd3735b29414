package utils

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an AppError for transport mapping.
type ErrorCode string

const (
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
	CodeUnavailable       ErrorCode = "unavailable"
	CodeInternal          ErrorCode = "internal"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Code ErrorCode
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Code: CodeInternal, Op: op, Msg: msg, Err: err}
}

// InvalidArgument reports caller input that no partial result can satisfy.
func InvalidArgument(op, msg string) error {
	return &AppError{Code: CodeInvalidArgument, Op: op, Msg: msg}
}

// Unavailable reports an exhausted infrastructure dependency.
func Unavailable(op, msg string, err error) error {
	return &AppError{Code: CodeUnavailable, Op: op, Msg: msg, Err: err}
}

// CodeOf extracts the AppError code, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the human-facing message of an AppError, or err.Error().
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
