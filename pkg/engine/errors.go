package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion in a backend.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification in a backend.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable provisioner failure.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConfiguration indicates a problem with the declared groups
	// (cycle, dangling or forward reference, policy violation). It is always
	// raised before any provisioner is invoked.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassProvisioning indicates a provisioner call failed during apply.
	ErrorClassProvisioning ErrorClass = "provisioning"

	// ErrorClassCancellation indicates the run was aborted through its context.
	ErrorClassCancellation ErrorClass = "cancellation"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource group that caused the error, if applicable.
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
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (group=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (group=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
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

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewProvisioningError creates a new provisioning error.
func NewProvisioningError(message string, err error) *EngineError {
	return newError(ErrorClassProvisioning, message, err).WithCode(ErrCodeProvisionerFailed)
}

// NewCancellationError creates a new cancellation error.
func NewCancellationError(message string, err error) *EngineError {
	return newError(ErrorClassCancellation, message, err).WithCode(ErrCodeCancelled)
}

// WithResource adds group context to an error.
func (e *EngineError) WithResource(group string) *EngineError {
	e.Resource = group
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

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasClass(err, ErrorClassConfiguration) }

// IsProvisioningError reports whether err is a provisioning error.
func IsProvisioningError(err error) bool { return hasClass(err, ErrorClassProvisioning) }

// IsCancellationError reports whether err is a cancellation error.
func IsCancellationError(err error) bool { return hasClass(err, ErrorClassCancellation) }

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// ErrorCode returns the code of the outermost EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorClassOf returns the class of the outermost EngineError in the chain.
func ErrorClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Exit codes returned by the command line for a finished run.
const (
	ExitCompleted     = 0
	ExitProvisioning  = 1
	ExitConfiguration = 2
)

// ExitCode maps a run error to a process exit code: nil is 0,
// configuration errors are 2, everything else is 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitCompleted
	case IsConfigurationError(err):
		return ExitConfiguration
	default:
		return ExitProvisioning
	}
}

// classifyProvisionerError wraps a provisioner failure into the run taxonomy.
// Context expiry of the run itself is a cancellation; expiry of the per-group
// deadline is a provisioning timeout.
func classifyProvisionerError(runCtx context.Context, group string, err error) *EngineError {
	if runCtx.Err() != nil {
		return NewCancellationError("run cancelled while provisioning", err).
			WithResource(group).
			WithOperation("apply")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProvisioningError("provisioner timed out", err).
			WithCode(ErrCodeTimeout).
			WithResource(group).
			WithOperation("apply")
	}
	pe := NewProvisioningError("provisioner failed", err).
		WithResource(group).
		WithOperation("apply")
	if class := ErrorClassOf(err); class != "" {
		pe.WithDetail("cause_class", string(class))
	}
	return pe
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDuplicateGroup    = "DUPLICATE_GROUP"
	ErrCodeDanglingReference = "DANGLING_REFERENCE"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeForwardReference  = "FORWARD_REFERENCE"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProvisionerFailed = "PROVISIONER_FAILED"
	ErrCodeUnknownKind       = "UNKNOWN_PROVISIONER"
)
