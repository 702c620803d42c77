package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Malformed graph, condition or input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Runner timed out or stalled
	ErrCatState      ErrorCategory = "state"      // Invalid state transition
	ErrCatConflict   ErrorCategory = "conflict"   // Version lock or concurrent modification
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
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

// Predefined error codes
const (
	// Configuration (validation) codes
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeCycleDetected      = "CYCLE_DETECTED"
	CodeUnreachablePhase   = "UNREACHABLE_PHASE"
	CodeDanglingEdge       = "DANGLING_EDGE"
	CodeNoStartPhase       = "NO_START_PHASE"
	CodeDuplicatePhase     = "DUPLICATE_PHASE"
	CodeInvalidExpression  = "INVALID_EXPRESSION"
	CodeUntypedGateOutput  = "UNTYPED_GATE_OUTPUT"
	CodeInvalidPhaseConfig = "INVALID_PHASE_CONFIG"

	// Execution codes
	CodeRunnerFailed         = "RUNNER_FAILED"
	CodeRunnerStalled        = "RUNNER_STALLED"
	CodeUnhandledGateFailure = "UNHANDLED_GATE_FAILURE"
	CodeDeadEnd              = "DEAD_END"
	CodeLoopExhausted        = "LOOP_EXHAUSTED"
	CodeSubWorkflowFailed    = "SUBWORKFLOW_FAILED"
	CodeApprovalRejected     = "APPROVAL_REJECTED"

	// State and conflict codes
	CodeInvalidState        = "INVALID_STATE"
	CodeVersionLocked       = "VERSION_LOCKED"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeCancelled           = "CANCELLED"
	CodeNotFound            = "NOT_FOUND"
)

// ErrValidation creates a configuration error. Configuration errors are never retried.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates a fatal execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrRunner creates an error reported by a phase runner.
func ErrRunner(message string, retryable bool) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeRunnerFailed,
		Message:   message,
		Retryable: retryable,
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

// ErrStalled creates an error for a runner that stopped reporting progress.
func ErrStalled(phaseID PhaseID, idle string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeRunnerStalled,
		Message:   fmt.Sprintf("phase %s produced no progress for %s", phaseID, idle),
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

// ErrVersionLocked creates an error for a mutation against a locked definition version.
func ErrVersionLocked(workflowID WorkflowID, version string, holder InstanceID) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeVersionLocked,
		Message:   fmt.Sprintf("workflow %s@%s is locked by instance %s", workflowID, version, holder),
		Retryable: false,
		Details: map[string]interface{}{
			"workflow_id": string(workflowID),
			"version":     version,
			"instance_id": string(holder),
		},
	}
}

// ErrConcurrencyConflict creates an error for a stale write to an instance.
func ErrConcurrencyConflict(id InstanceID, expected, actual int64) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      CodeConcurrencyConflict,
		Message:   fmt.Sprintf("instance %s revision %d is stale (current %d)", id, expected, actual),
		Retryable: false,
		Details: map[string]interface{}{
			"instance_id": string(id),
			"expected":    expected,
			"actual":      actual,
		},
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
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

// IsCode checks if an error carries the given code.
func IsCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// IsConfigurationError reports whether err stems from a malformed definition or condition.
func IsConfigurationError(err error) bool {
	return IsCategory(err, ErrCatValidation)
}
