package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a *Error, it wraps it with the new message and keeps
// its code, category and metadata.
// Otherwise, it creates a new Internal error wrapping the original.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var protoErr *Error
	if errors.As(err, &protoErr) {
		wrapped := &Error{
			code:      protoErr.code,
			category:  protoErr.category,
			message:   message,
			cause:     err,
			metadata:  protoErr.Metadata(),
			retryable: protoErr.retryable,
			sessionID: protoErr.sessionID,
			requestID: protoErr.requestID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	// Check for context errors
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCancelled, message, append(opts, WithCause(err))...)
	}

	// Default to internal error for unknown errors
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// CodeOf extracts the error code from an error chain.
// Returns ErrCodeInternal if the chain contains no *Error.
func CodeOf(err error) ErrorCode {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether any error in the chain is retryable.
// Plain errors are not retryable.
func IsRetryable(err error) bool {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr.code == code
	}
	return false
}
