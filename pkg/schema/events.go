package schema

// Event type constants emitted on the progress hub and recorded in history.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSkipped   = "stage_skipped"
	EventStageRetrying  = "stage_retrying"
	EventStageDeferred  = "stage_deferred"

	EventStageRetryAttempt    = "stage_retry_attempt"
	EventCircuitBreakerOpen   = "circuit_breaker_open"
	EventCircuitBreakerClosed = "circuit_breaker_closed"
	EventStageFallback        = "stage_fallback"
	EventStageTolerated       = "stage_tolerated"

	EventProgressUpdated = "progress_updated"
)

// RunStatus is the lifecycle state of one orchestrator run.
type RunStatus string

const (
	RunStatusIdle         RunStatus = "idle"
	RunStatusInitializing RunStatus = "initializing"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// StageStatus is the lifecycle state of a stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusScheduled StageStatus = "scheduled"
	StageStatusRunning   StageStatus = "running"
	StageStatusRetrying  StageStatus = "retrying"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusDeferred  StageStatus = "deferred"
)

// IsTerminal reports whether a stage has reached a per-run terminal state.
// Deferred stages count as resolved for level-advancement purposes: the
// background runner owns them after the foreground run moves on.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped, StageStatusDeferred:
		return true
	}
	return false
}
