// Package errors provides structured error types for the Alembic services.
// Every error carries a category, code, message, and retryable flag so the
// HTTP boundary can pick a status code without inspecting error text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStore       ErrorCategory = "STORE"
	ErrCategoryAggregation ErrorCategory = "AGGREGATION"
	ErrCategoryStartup     ErrorCategory = "STARTUP"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeMissingField     = "MISSING_FIELD"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"

	// Store codes
	CodeAppendFailed = "APPEND_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeStoreBusy    = "STORE_BUSY"
	CodeStoreClosed  = "STORE_CLOSED"

	// Aggregation codes
	CodeRecomputeFailed    = "RECOMPUTE_FAILED"
	CodeRecomputeCancelled = "RECOMPUTE_CANCELLED"

	// Startup codes
	CodeOpenFailed      = "OPEN_FAILED"
	CodeMigrationFailed = "MIGRATION_FAILED"
	CodeInvalidConfig   = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// AlembicError is the structured error type used throughout the system.
type AlembicError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *AlembicError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AlembicError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *AlembicError) Is(target error) bool {
	var t *AlembicError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new AlembicError.
func New(category ErrorCategory, code, message string) *AlembicError {
	return &AlembicError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new AlembicError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *AlembicError {
	return &AlembicError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *AlembicError) WithDetails(details map[string]interface{}) *AlembicError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *AlembicError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an AlembicError.
func GetCategory(err error) ErrorCategory {
	var ae *AlembicError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an AlembicError.
func GetCode(err error) string {
	var ae *AlembicError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// isRetryable reports whether the caller may sensibly try the same operation
// again. Store I/O and aggregation runs are transient; bad input and startup
// failures are not.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeAppendFailed:
		return true
	case category == ErrCategoryStore && code == CodeReadFailed:
		return true
	case category == ErrCategoryStore && code == CodeStoreBusy:
		return true
	case category == ErrCategoryAggregation && code == CodeRecomputeFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *AlembicError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *AlembicError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewAggregationError(code, message string, cause error) *AlembicError {
	return Wrap(ErrCategoryAggregation, code, message, cause)
}

func NewStartupError(code, message string, cause error) *AlembicError {
	return Wrap(ErrCategoryStartup, code, message, cause)
}

func NewInternalError(message string, cause error) *AlembicError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
