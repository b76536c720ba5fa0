package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Setup errors, fatal at startup
	ErrCodePollerSetup  ErrorCode = "POLLER_SETUP_FAILED"
	ErrCodeListenFailed ErrorCode = "LISTEN_FAILED"
	ErrCodeConfigLoad   ErrorCode = "CONFIG_LOAD_FAILED"

	// Recoverable per-operation errors
	ErrCodeAcceptFailed ErrorCode = "ACCEPT_FAILED"
	ErrCodeWouldBlock   ErrorCode = "WOULD_BLOCK"

	// Connection-fatal errors
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED"

	// Backend errors
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	ErrCodeHealthCheckFailed  ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeNoBackends         ErrorCode = "NO_BACKENDS_AVAILABLE"

	// Transfer errors
	ErrCodeSpliceFailed ErrorCode = "SPLICE_FAILED"

	// Internal contract violations
	ErrCodeOutOfRange       ErrorCode = "OUT_OF_RANGE"
	ErrCodeUnknownPublisher ErrorCode = "UNKNOWN_PUBLISHER"
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ProxyError represents a structured error with context
type ProxyError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProxyError carrying the same code.
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ProxyError) WithMetadata(key string, value interface{}) *ProxyError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable returns true if the failed operation should simply be tried
// again on the next readiness notification or loop iteration.
func (e *ProxyError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAcceptFailed, ErrCodeWouldBlock:
		return true
	default:
		return false
	}
}

// NewError creates a new ProxyError
func NewError(code ErrorCode, component, message string) *ProxyError {
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with ProxyError structure
func WrapError(err error, code ErrorCode, component, message string) *ProxyError {
	if err == nil {
		return nil
	}

	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// Sentinels for errors.Is comparisons; only the code is compared.
var (
	ErrOutOfRange       = &ProxyError{Code: ErrCodeOutOfRange}
	ErrWouldBlock       = &ProxyError{Code: ErrCodeWouldBlock}
	ErrConnectionClosed = &ProxyError{Code: ErrCodeConnectionClosed}
	ErrUnknownPublisher = &ProxyError{Code: ErrCodeUnknownPublisher}
	ErrNoBackends       = &ProxyError{Code: ErrCodeNoBackends}
	ErrAcceptFailed     = &ProxyError{Code: ErrCodeAcceptFailed}
	ErrSpliceFailed     = &ProxyError{Code: ErrCodeSpliceFailed}
	ErrHealthCheck      = &ProxyError{Code: ErrCodeHealthCheckFailed}
)

// NewOutOfRangeError reports a buffer request larger than what is available.
func NewOutOfRangeError(requested, available int) *ProxyError {
	return NewError(
		ErrCodeOutOfRange,
		"buffer",
		fmt.Sprintf("requested %d bytes, only %d available", requested, available),
	).WithMetadata("requested", requested).WithMetadata("available", available)
}

// NewBackendUnavailableError creates an error for an unreachable backend
func NewBackendUnavailableError(address string, cause error) *ProxyError {
	return WrapError(
		cause,
		ErrCodeBackendUnavailable,
		"proxy",
		fmt.Sprintf("backend %s is unavailable", address),
	).WithMetadata("backend", address)
}

// NewHealthCheckError reports an exhausted probe budget for a backend.
func NewHealthCheckError(address, stage string, cause error) *ProxyError {
	e := NewError(
		ErrCodeHealthCheckFailed,
		"health_check",
		fmt.Sprintf("backend %s failed %s probe", address, stage),
	).WithMetadata("backend", address).WithMetadata("stage", stage)
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) bool {
	var pErr *ProxyError
	return errors.As(err, &pErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}
