package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeAborted           = "ABORTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
)

// FailureKind is the failure-classification taxonomy. Stage callbacks may
// declare a kind on the errors they return; otherwise the resilience manager
// classifies structurally after the fact.
type FailureKind string

const (
	FailureNetwork        FailureKind = "network"
	FailurePermission     FailureKind = "permission"
	FailureAuthentication FailureKind = "authentication"
	FailureData           FailureKind = "data"
	FailureTimeout        FailureKind = "timeout"
	FailureConfiguration  FailureKind = "configuration"
	FailureCritical       FailureKind = "critical"
	FailureUnknown        FailureKind = "unknown"
)

// RecoveryAction is what the orchestrator does with a classified failure.
type RecoveryAction string

const (
	RecoveryProceed  RecoveryAction = "proceed"  // tolerate and continue
	RecoveryRetry    RecoveryAction = "retry"    // transient, reschedule with backoff
	RecoveryFallback RecoveryAction = "fallback" // use cached/default data, continue
	RecoveryAbort    RecoveryAction = "abort"    // unwind the whole run
)

// StageError is the structured error type for all bootstage operations.
type StageError struct {
	Code    string         `json:"code"`
	Kind    FailureKind    `json:"kind,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   StageID        `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StageError.
func NewError(code, message string) *StageError {
	return &StageError{Code: code, Message: message}
}

// NewErrorf creates a new StageError with a formatted message.
func NewErrorf(code, format string, args ...any) *StageError {
	return &StageError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *StageError) WithStage(id StageID) *StageError {
	e.Stage = id
	return e
}

// WithKind attaches a failure classification to the error.
func (e *StageError) WithKind(kind FailureKind) *StageError {
	e.Kind = kind
	return e
}

// WithCause attaches an underlying cause.
func (e *StageError) WithCause(err error) *StageError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StageError) WithDetails(details map[string]any) *StageError {
	e.Details = details
	return e
}
