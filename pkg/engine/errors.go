package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates contention on a shared resource.
	// Examples: collection lock timeouts.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid input, uniqueness violations, missing records.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError. Rule violations carry the code declared
// by the failing rule instead of one of these.
const (
	ErrCodeNotFound               = "not_found"
	ErrCodeUniqueViolation        = "unique_violation"
	ErrCodeBusy                   = "busy"
	ErrCodeInvalidInput           = "invalid_input"
	ErrCodeCheckFailed            = "check_failed"
	ErrCodeUnauthorized           = "unauthorized"
	ErrCodeInternal               = "internal_error"
	ErrCodeInterpreterUnavailable = "interpreter_unavailable"
	ErrCodeIntegrationFailed      = "integration_failed"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Resource is the collection or record that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NotFound builds the not_found error for a missing collection or record.
func NotFound(resource, message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeNotFound).WithResource(resource)
}

// UniqueViolation builds the unique_violation error naming the offending field and value.
func UniqueViolation(collection, field string, value interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s %v already exists", field, value), nil).
		WithCode(ErrCodeUniqueViolation).
		WithResource(collection).
		WithDetail("field", field).
		WithDetail("value", value)
}

// Busy builds the busy error returned when a collection lock cannot be acquired in time.
func Busy(collection string) *EngineError {
	return NewConflictError("collection is busy, try again", nil).
		WithCode(ErrCodeBusy).
		WithResource(collection)
}

// InvalidInput builds the invalid_input error for a rejected field.
func InvalidInput(field, message string) *EngineError {
	return NewPermanentError(message, nil).
		WithCode(ErrCodeInvalidInput).
		WithDetail("field", field)
}

// Internal wraps an unexpected failure as internal_error.
func Internal(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeInternal)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError extracts an EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the error code of err, or internal_error for unclassified errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := AsEngineError(err); ok && e.Code != "" {
		return e.Code
	}
	var f *StepFailure
	if errors.As(err, &f) && f.Code != "" {
		return f.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNotFound
}

// IsUniqueViolation reports whether err is a unique_violation error.
func IsUniqueViolation(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeUniqueViolation
}

// IsBusy reports whether err is a busy error.
func IsBusy(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeBusy
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
