package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit" // Spawn guard blocked
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatAuth       ErrorCategory = "auth"       // Authentication failure
	ErrCatNetwork    ErrorCategory = "network"    // Network connectivity
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Merge conflict
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "TIMEOUT",
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      "RATE_LIMITED",
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrConflict creates a merge conflict error.
func ErrConflict(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeMergeConflict,
		Message:   message,
		Retryable: false,
	}
}

// ErrNetwork creates a network connectivity error.
func ErrNetwork(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrAuth creates an authentication error.
func ErrAuth(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatAuth,
		Code:      "AUTH_FAILED",
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrGuardBlocked creates a spawn guard rejection carrying the wait hint.
func ErrGuardBlocked(message string, retryAfterMs int64) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      CodeGuardBlocked,
		Message:   message,
		Retryable: true,
		Details: map[string]interface{}{
			"retry_after_ms": retryAfterMs,
		},
	}
}

// ErrSpawn creates a gateway spawn refusal. Not retryable for the current
// call; a fresh attempt with a new label may succeed.
func ErrSpawn(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeSpawnError,
		Message:   message,
		Retryable: false,
	}
}

// ErrHTTPStatus creates a gateway transport error carrying the status code.
func ErrHTTPStatus(status int, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      fmt.Sprintf("HTTP_%d", status),
		Message:   message,
		Retryable: status >= 500,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodePhaseNotFound     = "PHASE_NOT_FOUND"
	CodeRunNotFound       = "RUN_NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeLockAcquireFailed = "LOCK_ACQUIRE_FAILED"
	CodeStateCorrupted    = "STATE_CORRUPTED"

	// Merge error codes
	CodeMergeConflict = "MERGE_CONFLICT"
	CodeMergeFatal    = "MERGE_FATAL"

	// Spawn error codes
	CodeGuardBlocked            = "GUARD_BLOCKED"
	CodeSpawnError              = "SPAWN_ERROR"
	CodeSpawnVerificationFailed = "SPAWN_VERIFICATION_FAILED"

	// Validation error codes
	CodeInvalidConfig  = "INVALID_CONFIG"
	CodeMissingTasks   = "MISSING_TASKS"
	CodeUnknownProject = "UNKNOWN_PROJECT"

	// Execution error codes
	CodeExecutionStuck = "EXECUTION_STUCK"
	CodeParseFailed    = "PARSE_FAILED"
	CodeTaskCycle      = "TASK_CYCLE"
)
