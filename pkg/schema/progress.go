package schema

import "time"

// InitializationProgress is the immutable snapshot exposed to consumers
// (splash screens, logging). A fresh snapshot is emitted on every stage
// state transition.
type InitializationProgress struct {
	RunID               string        `json:"run_id"`
	TotalStages         int           `json:"total_stages"`
	CompletedStages     int           `json:"completed_stages"`
	InProgressStages    int           `json:"in_progress_stages"`
	FailedStages        int           `json:"failed_stages"`
	Percent             float64       `json:"percent"`
	CurrentStage        StageID       `json:"current_stage,omitempty"`
	CurrentDetail       string        `json:"current_detail,omitempty"`
	Active              []StageID     `json:"active,omitempty"`
	Failed              []StageID     `json:"failed,omitempty"`
	Elapsed             time.Duration `json:"elapsed"`
	EstimatedRemaining  time.Duration `json:"estimated_remaining"`
	HasCriticalFailures bool          `json:"has_critical_failures"`
	Message             string        `json:"message,omitempty"`
	Done                bool          `json:"done"`
}

// ExecutionSummary is the report returned after a run.
type ExecutionSummary struct {
	RunID         string                 `json:"run_id"`
	Status        RunStatus              `json:"status"`
	Strategy      Strategy               `json:"strategy"`
	TotalStages   int                    `json:"total_stages"`
	Completed     int                    `json:"completed"`
	Failed        int                    `json:"failed"`
	Skipped       int                    `json:"skipped"`
	Deferred      int                    `json:"deferred"`
	InProgress    int                    `json:"in_progress"`
	TotalDuration time.Duration          `json:"total_duration"`
	SuccessRate   float64                `json:"success_rate"`
	Stages        []StageExecutionResult `json:"stages"`
	Error         string                 `json:"error,omitempty"`
}

// IsComplete reports whether every stage reached a terminal state.
func (s ExecutionSummary) IsComplete() bool {
	return s.InProgress == 0 && s.Completed+s.Failed+s.Skipped+s.Deferred == s.TotalStages
}
