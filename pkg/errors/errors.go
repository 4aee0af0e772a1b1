// Package errors provides structured error handling for the AdaptiveCache engine.
//
// Errors carry a stable code, a category, and operational context so that
// callers can branch on error kind with errors.Is while logs and telemetry
// keep the full picture. The request path never surfaces these as failures
// except for malformed input; everything else is resolved internally.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

// Error code constants organized by category.
const (
	// Request errors: rejected at the tracer, fail fast.
	ErrCodeMalformedRequest ErrorCode = "MALFORMED_REQUEST"
	ErrCodeMissingKey       ErrorCode = "MISSING_KEY"
	ErrCodeInvalidKind      ErrorCode = "INVALID_KIND"
	ErrCodeInvalidSize      ErrorCode = "INVALID_SIZE"

	// Cache store errors: resolved inside the decision cycle.
	ErrCodeCapacityFull    ErrorCode = "CAPACITY_FULL"
	ErrCodeNotPresent      ErrorCode = "NOT_PRESENT"
	ErrCodeDuplicateKey    ErrorCode = "DUPLICATE_KEY"
	ErrCodePayloadConflict ErrorCode = "PAYLOAD_CONFLICT"

	// Feature/model errors: recovered via baseline fallback.
	ErrCodeFeatureMissing ErrorCode = "FEATURE_MISSING"

	// Snapshot errors: fail closed to cold start.
	ErrCodeStaleSnapshot   ErrorCode = "STALE_SNAPSHOT"
	ErrCodeSnapshotCorrupt ErrorCode = "SNAPSHOT_CORRUPT"
	ErrCodeSnapshotRead    ErrorCode = "SNAPSHOT_READ"
	ErrCodeSnapshotWrite   ErrorCode = "SNAPSHOT_WRITE"

	// Origin tier errors.
	ErrCodeObjectNotFound    ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeOriginRead        ErrorCode = "ORIGIN_READ"
	ErrCodeOriginWrite       ErrorCode = "ORIGIN_WRITE"
	ErrCodeOriginUnavailable ErrorCode = "ORIGIN_UNAVAILABLE"
	ErrCodeOriginTimeout     ErrorCode = "ORIGIN_TIMEOUT"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Configuration errors.
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Lifecycle/state errors.
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeEngineClosed       ErrorCode = "ENGINE_CLOSED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Internal errors.
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryRequest       ErrorCategory = "request"
	CategoryCache         ErrorCategory = "cache"
	CategoryFeature       ErrorCategory = "feature"
	CategorySnapshot      ErrorCategory = "snapshot"
	CategoryOrigin        ErrorCategory = "origin"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *CacheError) Is(target error) bool {
	if t, ok := target.(*CacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error serialized as JSON for structured logging.
func (e *CacheError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":"%s","message":"marshal failed"}`, e.Code)
	}
	return string(data)
}

// NewError creates a structured error with category and retry hints derived
// from the code.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory returns the category for an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeMalformedRequest, ErrCodeMissingKey, ErrCodeInvalidKind, ErrCodeInvalidSize:
		return CategoryRequest
	case ErrCodeCapacityFull, ErrCodeNotPresent, ErrCodeDuplicateKey, ErrCodePayloadConflict:
		return CategoryCache
	case ErrCodeFeatureMissing:
		return CategoryFeature
	case ErrCodeStaleSnapshot, ErrCodeSnapshotCorrupt, ErrCodeSnapshotRead, ErrCodeSnapshotWrite:
		return CategorySnapshot
	case ErrCodeObjectNotFound, ErrCodeOriginRead, ErrCodeOriginWrite,
		ErrCodeOriginUnavailable, ErrCodeOriginTimeout, ErrCodeCircuitOpen:
		return CategoryOrigin
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigSave, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeAlreadyStarted, ErrCodeNotStarted, ErrCodeEngineClosed, ErrCodeShutdownInProgress:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault returns whether an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeOriginRead, ErrCodeOriginWrite, ErrCodeOriginUnavailable,
		ErrCodeOriginTimeout, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// CaptureStack captures the current stack trace, skipping the given number
// of frames.
func CaptureStack(skip int) string {
	var sb strings.Builder
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

// WithContext adds a context key-value pair to the error.
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail key-value pair to the error.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component that produced the error.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation during which the error occurred.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithRequestID attaches the request id the error belongs to.
func (e *CacheError) WithRequestID(requestID string) *CacheError {
	e.RequestID = requestID
	return e
}

// WithCause attaches the underlying error.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable hint.
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

// WithStack captures and attaches the current stack trace.
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(1)
	return e
}

// HasCode reports whether err (or anything it wraps) is a CacheError with
// the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CacheError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf extracts the error code from err, or ErrCodeInternalError when err
// is not a CacheError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}
