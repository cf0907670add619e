package schema

import "time"

// RetryPolicy controls how many times a failed stage is re-attempted and how
// the delay between attempts grows.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the policy applied when a stage has no
// recorded override.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// TimeoutPolicy bounds a stage attempt. Timeout becomes the deadline on the
// context passed to the stage callback; cancellation is cooperative, so a
// callback that ignores its context keeps its goroutine. The two thresholds
// are advisory and only surface through telemetry.
type TimeoutPolicy struct {
	Timeout           time.Duration `json:"timeout"`
	WarningThreshold  time.Duration `json:"warning_threshold"`
	CriticalThreshold time.Duration `json:"critical_threshold"`
}

// DefaultTimeoutPolicy derives advisory thresholds from a stage's estimate.
func DefaultTimeoutPolicy(estimate time.Duration) TimeoutPolicy {
	if estimate <= 0 {
		estimate = time.Second
	}
	return TimeoutPolicy{
		Timeout:           estimate * 10,
		WarningThreshold:  estimate * 2,
		CriticalThreshold: estimate * 5,
	}
}

// ProgressCheckpoint narrates sub-stage progress: when a stage reports the
// given percentage, the message becomes the current progress detail.
type ProgressCheckpoint struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// StageMetadata is the mutable per-stage record owned by the metadata store.
// Static fields are seeded from the registry at construction; learned fields
// are updated after each execution.
type StageMetadata struct {
	Stage               StageID              `json:"stage"`
	Retry               RetryPolicy          `json:"retry"`
	Timeout             TimeoutPolicy        `json:"timeout"`
	AverageDuration     *time.Duration       `json:"average_duration,omitempty"`
	SuccessRate         float64              `json:"success_rate"`
	SampleCount         int                  `json:"sample_count"`
	ProgressCheckpoints []ProgressCheckpoint `json:"progress_checkpoints,omitempty"`
}

// StageExecutionResult is the immutable record of one stage attempt.
type StageExecutionResult struct {
	Stage      StageID     `json:"stage"`
	Status     StageStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	Error      string      `json:"error,omitempty"`
	StackTrace string      `json:"stack_trace,omitempty"`
}

// Duration is the wall time of the attempt.
func (r StageExecutionResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
