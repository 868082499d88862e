// Package errors provides the error taxonomy for the casesync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a classified sync error.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Remote errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrAuthExpired        ErrorCode = "AUTH_EXPIRED"
	ErrServerError        ErrorCode = "SERVER_ERROR"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"

	// Realtime channel errors
	ErrMalformedMessage    ErrorCode = "MALFORMED_MESSAGE"
	ErrChannelDisconnected ErrorCode = "CHANNEL_DISCONNECTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the error code carried by err, unwrapping as needed.
// Unclassified errors report ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether a failed remote operation should be
// retried through the pending queue. Validation and auth failures are
// permanent until the caller intervenes; only transport and server
// faults are replayed.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkUnavailable, ErrServerError:
		return true
	default:
		return false
	}
}
