// Package engine implements the deployment orchestrator core: the
// dependency graph, planner, wave executor, retry/circuit-breaker
// wrapper, and rollback manager.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, connection failures, 5xx-equivalent responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried like transient errors, with a larger base backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: validation failures, authorization denied, not-found on delete.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DeployError represents a classified orchestration error with context.
type DeployError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Resource != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, op=%s): %s",
			e.Class, e.Message, e.Resource, e.Op, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

func (e *DeployError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *DeployError {
	return &DeployError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *DeployError {
	return &DeployError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *DeployError {
	return &DeployError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *DeployError) WithResource(resourceID string) *DeployError {
	e.Resource = resourceID
	return e
}

// WithOp adds operation context to an error.
func (e *DeployError) WithOp(op string) *DeployError {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *DeployError) WithCode(code string) *DeployError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DeployError) WithDetail(key string, value interface{}) *DeployError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *DeployError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable; anything unclassified
// is treated as permanent.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycle             = "DEPENDENCY_CYCLE"
	ErrCodeMissingDependency = "MISSING_DEPENDENCY"
	ErrCodeStateCorrupt      = "STATE_CORRUPT"
	ErrCodeStateLocked       = "STATE_LOCKED"
	ErrCodeProvisionFailed   = "PROVISION_FAILED"
	ErrCodeRollbackFailed    = "ROLLBACK_FAILED"
	ErrCodeBreakerOpen       = "CIRCUIT_OPEN"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
