// Package errors provides a structured error system for syncstore with error
// codes, categories, and context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// As re-exports the standard library's errors.As so callers don't need two
// errors imports.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// IsCode reports whether err is a structured error carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// ErrorCode represents a structured error code for syncstore operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Storage backend errors
	ErrCodeKeyNotFound        ErrorCode = "KEY_NOT_FOUND"
	ErrCodeStorageWrite       ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageRead        ErrorCode = "STORAGE_READ"
	ErrCodeChecksumMismatch   ErrorCode = "CHECKSUM_MISMATCH"
	ErrCodeAllAdaptersFailed  ErrorCode = "ALL_ADAPTERS_FAILED"
	ErrCodeAdapterUnavailable ErrorCode = "ADAPTER_UNAVAILABLE"

	// Transient backend failure modes, normalized across adapters
	ErrCodeConnectionTimeout  ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeTransactionAborted ErrorCode = "TRANSACTION_ABORTED"

	// Scheduler errors
	ErrCodeConflictTimeout   ErrorCode = "CONFLICT_TIMEOUT"
	ErrCodeDependencyTimeout ErrorCode = "DEPENDENCY_TIMEOUT"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeQueueCleared      ErrorCode = "QUEUE_CLEARED"

	// Operation errors
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"

	// State management errors
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted     ErrorCode = "NOT_STARTED"
	ErrCodeClosed         ErrorCode = "CLOSED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryTransient     ErrorCategory = "transient"
	CategoryScheduler     ErrorCategory = "scheduler"
	CategoryOperation     ErrorCategory = "operation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on error code so errors.Is works against sentinel instances.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates a new structured error with default values for its code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error with an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeKeyNotFound, ErrCodeStorageWrite, ErrCodeStorageRead,
		ErrCodeChecksumMismatch, ErrCodeAllAdaptersFailed, ErrCodeAdapterUnavailable:
		return CategoryStorage
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeQuotaExceeded,
		ErrCodeTransactionAborted:
		return CategoryTransient
	case ErrCodeConflictTimeout, ErrCodeDependencyTimeout, ErrCodeRetryExhausted,
		ErrCodeQueueCleared:
		return CategoryScheduler
	case ErrCodeValidationFailed, ErrCodeOperationCanceled, ErrCodeOperationFailed:
		return CategoryOperation
	case ErrCodeAlreadyStarted, ErrCodeNotStarted, ErrCodeClosed:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether an error code is retryable by default.
// Only transient backend failures are; validation and scheduler timeouts fail
// immediately.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeNetworkError, ErrCodeQuotaExceeded,
		ErrCodeTransactionAborted:
		return true
	}
	return false
}

// WithContext adds contextual information to an error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation during which the error occurred.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether err carries a retryable hint. Non-structured
// errors are not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from err, or ErrCodeInternalError if err is
// not a structured error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}
