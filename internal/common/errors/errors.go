// Package errors provides standardized error handling for the access-sync engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed     ErrorCode = "VALIDATION_FAILED"
	ErrCodeConfigurationMissing ErrorCode = "CONFIGURATION_MISSING"
	ErrCodeProviderTransient    ErrorCode = "PROVIDER_TRANSIENT"
	ErrCodeProviderPermanent    ErrorCode = "PROVIDER_PERMANENT"
	ErrCodeStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeQueueUnavailable     ErrorCode = "QUEUE_UNAVAILABLE"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// NewValidationError creates a non-retryable payload validation error.
// Surfaced synchronously to the enqueuing caller; the job never enters a queue.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Intent payload validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConfigurationError creates a non-retryable configuration error.
// Fatal at startup, never retried.
func NewConfigurationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConfigurationMissing,
		Message:   "Required configuration is missing",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTransientProviderError creates a retryable channel-provider error
// (network, rate limit, 5xx). The queue's backoff policy applies.
func NewTransientProviderError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderTransient,
		Message:   "Channel provider call failed transiently",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPermanentProviderError creates a non-retryable channel-provider error
// (resource gone or invalid). Dead-lettered immediately, retrying is wasted work.
func NewPermanentProviderError(operation, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderPermanent,
		Message:   "Channel provider reported an unrecoverable condition",
		Details:   fmt.Sprintf("operation: %s, %s", operation, details),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError creates a retryable persistence error.
func NewStoreUnavailableError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "Access store operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueueUnavailableError creates a retryable broker error.
func NewQueueUnavailableError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueUnavailable,
		Message:   "Queue broker operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %v", operation, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns an empty code for plain errors.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

// IsRetryable reports whether err should be retried. Plain errors without a
// StandardError in their chain are treated as retryable: an unclassified
// failure is assumed transient rather than silently dropped.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return true
}

// IsPermanent reports whether err is a known unrecoverable provider failure,
// as opposed to a failure that merely exhausted its retry budget.
func IsPermanent(err error) bool {
	return CodeOf(err) == ErrCodeProviderPermanent
}

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidationFailed
}

// IsConfiguration reports whether err is a fatal configuration failure.
func IsConfiguration(err error) bool {
	return CodeOf(err) == ErrCodeConfigurationMissing
}
