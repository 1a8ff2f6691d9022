// Package errors provides the structured error system for mediacache with
// error codes, categories, and cause chaining.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies a failure class the engine knows how to react to.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Network errors are expected and recoverable via cache fallback or a
	// synthesized response, never fatal.
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeUpstreamStatus   ErrorCode = "UPSTREAM_STATUS"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Cache errors. Storage failures degrade to "treat as miss".
	ErrCodeCacheMiss     ErrorCode = "CACHE_MISS"
	ErrCodeCacheExpired  ErrorCode = "CACHE_EXPIRED"
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeTierUnknown   ErrorCode = "TIER_UNKNOWN"

	// Durable queue errors
	ErrCodeQueueRead    ErrorCode = "QUEUE_READ"
	ErrCodeQueueWrite   ErrorCode = "QUEUE_WRITE"
	ErrCodeReplayFailed ErrorCode = "REPLAY_FAILED"

	// Control channel errors
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeChannelClosed    ErrorCode = "CHANNEL_CLOSED"

	// State errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotRunning     ErrorCode = "NOT_RUNNING"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by the subsystem that produces them.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNetwork       ErrorCategory = "network"
	CategoryCache         ErrorCategory = "cache"
	CategoryQueue         ErrorCategory = "queue"
	CategoryControl       ErrorCategory = "control"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:    CategoryConfiguration,
	ErrCodeConfigLoad:       CategoryConfiguration,
	ErrCodeNetworkError:     CategoryNetwork,
	ErrCodeUpstreamStatus:   CategoryNetwork,
	ErrCodeOperationTimeout: CategoryNetwork,
	ErrCodeCircuitOpen:      CategoryNetwork,
	ErrCodeCacheMiss:        CategoryCache,
	ErrCodeCacheExpired:     CategoryCache,
	ErrCodeStorageRead:      CategoryCache,
	ErrCodeStorageWrite:     CategoryCache,
	ErrCodeQuotaExceeded:    CategoryCache,
	ErrCodeTierUnknown:      CategoryCache,
	ErrCodeQueueRead:        CategoryQueue,
	ErrCodeQueueWrite:       CategoryQueue,
	ErrCodeReplayFailed:     CategoryQueue,
	ErrCodeMalformedMessage: CategoryControl,
	ErrCodeChannelClosed:    CategoryControl,
	ErrCodeAlreadyStarted:   CategoryState,
	ErrCodeNotRunning:       CategoryState,
}

// Error is a structured error with a code, category, and optional cause.
type Error struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so sentinel comparisons work across wraps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new coded error. A nil cause returns nil so call
// sites can wrap unconditionally.
func Wrap(cause error, code ErrorCode, message string) *Error {
	if cause == nil {
		return nil
	}
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithComponent tags the error with the originating component name.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// GetCategory returns the category for a code, defaulting to internal.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// CodeOf extracts the error code from err or any error it wraps. Unknown
// errors report ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
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

// IsRecoverable reports whether the strategy layer may fall back to cache or
// a synthesized response for this error.
func IsRecoverable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNetworkError, ErrCodeUpstreamStatus, ErrCodeOperationTimeout, ErrCodeCircuitOpen:
		return true
	case ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeQuotaExceeded:
		return true
	default:
		return false
	}
}
