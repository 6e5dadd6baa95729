// Package errors provides structured error types for the tidelake engine.
// Every error carries a category, code, message, and retryable flag so
// callers can distinguish transient storage failures from validation
// failures, concurrency conflicts, and invariant violations.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure mode.
type ErrorCategory string

const (
	// ErrCategoryStorage covers transient object-store I/O failures;
	// callers retry with backoff before surfacing.
	ErrCategoryStorage ErrorCategory = "STORAGE"
	// ErrCategoryValidation covers unmet preconditions; fail fast, no retry.
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	// ErrCategoryTimeline covers instant and timeline state errors.
	ErrCategoryTimeline ErrorCategory = "TIMELINE"
	// ErrCategoryConcurrency covers lock contention and duplicate-instant
	// detection; retry the scheduling decision, never merge writer state.
	ErrCategoryConcurrency ErrorCategory = "CONCURRENCY"
	// ErrCategoryRollback covers rollback/restore execution failures; these
	// leave a resumable persisted plan behind.
	ErrCategoryRollback ErrorCategory = "ROLLBACK"
	// ErrCategoryService covers table-service planning and execution.
	ErrCategoryService ErrorCategory = "SERVICE"
	// ErrCategoryInternal covers invariant violations and corruption bugs;
	// fatal, never retryable.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Storage codes
	CodeIOFailed       = "IO_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"

	// Validation codes
	CodeMissingBaseFile   = "MISSING_BASE_FILE"
	CodeUnknownInstant    = "UNKNOWN_INSTANT"
	CodeBadInstantTime    = "BAD_INSTANT_TIME"
	CodeSavepointNotFound = "SAVEPOINT_NOT_FOUND"

	// Timeline codes
	CodeInstantNotPending = "INSTANT_NOT_PENDING"
	CodeBadTransition     = "BAD_TRANSITION"

	// Concurrency codes
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeDuplicateInstant = "DUPLICATE_INSTANT"
	CodeCommitConflict   = "COMMIT_CONFLICT"

	// Rollback codes
	CodePlanCorrupted = "PLAN_CORRUPTED"
	CodeRollbackStuck = "ROLLBACK_STUCK"

	// Service codes
	CodeNoPendingPlan   = "NO_PENDING_PLAN"
	CodeOperationFailed = "OPERATION_FAILED"

	// Internal codes
	CodeInvariantViolated = "INVARIANT_VIOLATED"
	CodeUnexpected        = "UNEXPECTED"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...any) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a structured Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeIOFailed:
		return true
	case category == ErrCategoryConcurrency && code == CodeLockTimeout:
		return true
	case category == ErrCategoryConcurrency && code == CodeCommitConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewTimelineError(code, message string) *Error {
	return New(ErrCategoryTimeline, code, message)
}

func NewConcurrencyError(code, message string) *Error {
	return New(ErrCategoryConcurrency, code, message)
}

func NewRollbackError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryRollback, code, message, cause)
}

func NewServiceError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryService, code, message, cause)
}

func NewInvariantError(message string) *Error {
	return New(ErrCategoryInternal, CodeInvariantViolated, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
