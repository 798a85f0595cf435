package apperrors

import (
	"errors"
	"fmt"
)

// RetryableError marks a failure the job runner may redeliver (NAK with delay).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryable wraps err as a RetryableError with a formatted prefix.
func NewRetryable(err error, message string, args ...interface{}) error {
	return &RetryableError{Err: wrapf(err, message, args...)}
}

// FatalError marks a failure that must not be redelivered; the job runner
// routes it straight to the DLQ.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatal wraps err as a FatalError with a formatted prefix.
func NewFatal(err error, message string, args ...interface{}) error {
	return &FatalError{Err: wrapf(err, message, args...)}
}

func wrapf(err error, message string, args ...interface{}) error {
	allArgs := append(args, err)
	return fmt.Errorf(message+": %w", allArgs...)
}

// Sentinel errors shared by storage, use cases and transports.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrDatabase     = errors.New("database error")
	ErrNATS         = errors.New("nats communication error")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrDuplicate    = errors.New("duplicate resource")
	// ErrConflict is returned by conditional lead updates when the row moved
	// under the caller (last_outgoing_message_at or step no longer match).
	ErrConflict   = errors.New("resource conflict")
	ErrBadRequest = errors.New("bad request")
	ErrTimeout    = errors.New("operation timeout")
	// ErrRateLimited is returned when an upstream (WhatsApp, AI) answers 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrExternal covers non-2xx answers from WhatsApp or the AI provider.
	ErrExternal = errors.New("external service error")
	// ErrUnsupported is returned for inbound content the engine cannot normalize.
	ErrUnsupported = errors.New("unsupported content")
)

// IsRetryable reports whether err is or wraps a RetryableError.
func IsRetryable(err error) bool {
	var target *RetryableError
	return errors.As(err, &target)
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsValidationError(err error) bool   { return errors.Is(err, ErrValidation) }
func IsDatabaseError(err error) bool     { return errors.Is(err, ErrDatabase) }
func IsNATSError(err error) bool         { return errors.Is(err, ErrNATS) }
func IsUnauthorizedError(err error) bool { return errors.Is(err, ErrUnauthorized) }
func IsDuplicateError(err error) bool    { return errors.Is(err, ErrDuplicate) }
func IsConflictError(err error) bool     { return errors.Is(err, ErrConflict) }
func IsBadRequestError(err error) bool   { return errors.Is(err, ErrBadRequest) }
func IsTimeoutError(err error) bool      { return errors.Is(err, ErrTimeout) }
func IsRateLimitedError(err error) bool  { return errors.Is(err, ErrRateLimited) }
func IsExternalError(err error) bool     { return errors.Is(err, ErrExternal) }

// IsTransient reports whether a failure is worth redelivering: explicit
// RetryableError, database, NATS, timeouts, rate limits and upstream errors.
// Not-found, validation, bad-request and fatal errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	switch {
	case IsNotFoundError(err), IsValidationError(err), IsBadRequestError(err),
		IsUnauthorizedError(err), errors.Is(err, ErrUnsupported):
		return false
	case IsDatabaseError(err), IsNATSError(err), IsTimeoutError(err),
		IsRateLimitedError(err), IsExternalError(err):
		return true
	}
	return false
}
