// Package errors provides structured error types for partman.
// All errors include a category, code, message, and fatal flag for
// consistent error handling across components.
package errors

import (
	"fmt"

	crdberrors "github.com/cockroachdb/errors"
)

// ErrorCategory classifies errors by the failure taxonomy of the partitioning core.
type ErrorCategory string

const (
	// ErrCategoryConfiguration is a malformed constraint or configuration row.
	// It disables partitioning for the affected table only.
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	// ErrCategoryValidation is an unrecognized bound shape; local and non-fatal.
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	// ErrCategoryConcurrency is a failure of the worker machinery during creation.
	ErrCategoryConcurrency ErrorCategory = "CONCURRENCY"
	// ErrCategoryCreation is a partition creation that produced no child.
	ErrCategoryCreation ErrorCategory = "CREATION"
	ErrCategoryCatalog  ErrorCategory = "CATALOG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeInvalidConstraint    = "INVALID_CONSTRAINT"
	CodeOverlappingRanges    = "OVERLAPPING_RANGES"
	CodeUnknownRelation      = "UNKNOWN_RELATION"
	CodePartitioningDisabled = "PARTITIONING_DISABLED"
	CodeUnsupportedType      = "UNSUPPORTED_TYPE"
	CodeUnknownAttribute     = "UNKNOWN_ATTRIBUTE"
	CodeInvalidInterval      = "INVALID_INTERVAL"

	// Validation codes
	CodeUnrecognizedShape = "UNRECOGNIZED_SHAPE"
	CodeNullBound         = "NULL_BOUND"
	CodeChildCount        = "CHILD_COUNT_MISMATCH"

	// Concurrency codes
	CodeWorkerStartFailed = "WORKER_START_FAILED"
	CodeSupervisorDied    = "SUPERVISOR_DIED"

	// Creation codes
	CodeNoResult         = "NO_RESULT"
	CodeNoInterval       = "NO_INTERVAL"
	CodeNotRangeStrategy = "NOT_RANGE_STRATEGY"
	CodeOutOfRange       = "OUT_OF_RANGE"

	// Catalog codes
	CodeNotFound    = "NOT_FOUND"
	CodeQueryFailed = "QUERY_FAILED"
	CodeDuplicate   = "DUPLICATE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PartmanError is the structured error type used throughout the system.
type PartmanError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
	// Fatal marks errors that abort the caller's operation without any state
	// to reconcile.
	Fatal bool
}

// Error returns a formatted error string.
func (e *PartmanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PartmanError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PartmanError) Is(target error) bool {
	var t *PartmanError
	if crdberrors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PartmanError.
func New(category ErrorCategory, code, message string) *PartmanError {
	return &PartmanError{
		Category: category,
		Code:     code,
		Message:  message,
		Fatal:    isFatal(category, code),
	}
}

// Wrap creates a new PartmanError wrapping an existing error. The cause keeps
// its stack trace when it was produced by cockroachdb/errors.
func Wrap(category ErrorCategory, code, message string, cause error) *PartmanError {
	return &PartmanError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Fatal:    isFatal(category, code),
	}
}

// Newf is New with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *PartmanError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with additional details.
func (e *PartmanError) WithDetails(details map[string]interface{}) *PartmanError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsFatal checks whether an error (or its chain) is fatal to the caller's operation.
func IsFatal(err error) bool {
	var pe *PartmanError
	if crdberrors.As(err, &pe) {
		return pe.Fatal
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PartmanError.
func GetCategory(err error) ErrorCategory {
	var pe *PartmanError
	if crdberrors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PartmanError.
func GetCode(err error) string {
	var pe *PartmanError
	if crdberrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category ErrorCategory) bool {
	return GetCategory(err) == category
}

// isFatal determines whether a code aborts the caller's operation outright.
func isFatal(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryConcurrency && code == CodeSupervisorDied:
		return true
	case category == ErrCategoryConcurrency && code == CodeWorkerStartFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for the taxonomy.

func NewConfigurationError(code, message string, cause error) *PartmanError {
	return Wrap(ErrCategoryConfiguration, code, message, cause)
}

func NewValidationError(code, message string) *PartmanError {
	return New(ErrCategoryValidation, code, message)
}

func NewConcurrencyError(code, message string, cause error) *PartmanError {
	return Wrap(ErrCategoryConcurrency, code, message, cause)
}

func NewCreationError(code, message string, cause error) *PartmanError {
	return Wrap(ErrCategoryCreation, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *PartmanError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *PartmanError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
