package engine

import (
	"context"
	"sync"

	"github.com/crewline/bootstage/pkg/schema"
)

// RunFSM validates run lifecycle transitions and emits the corresponding
// events via the sink.
type RunFSM struct {
	mu   sync.Mutex
	sink EventSink
}

// NewRunFSM creates a RunFSM that emits events via the given sink.
func NewRunFSM(sink EventSink) *RunFSM {
	return &RunFSM{sink: sink}
}

// Transition validates and executes a run state transition.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	if eventType := runEventType(to); eventType != "" {
		f.sink.Emit(ctx, Event{RunID: runID, Type: eventType})
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInitializing:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// StageFSM validates stage lifecycle transitions and emits the corresponding
// events via the sink.
type StageFSM struct {
	mu   sync.Mutex
	sink EventSink
}

// NewStageFSM creates a StageFSM that emits events via the given sink.
func NewStageFSM(sink EventSink) *StageFSM {
	return &StageFSM{sink: sink}
}

// Transition validates and executes a stage state transition.
func (f *StageFSM) Transition(ctx context.Context, runID string, stage schema.StageID, from, to schema.StageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStageTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithStage(stage).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	if eventType := stageEventType(to); eventType != "" {
		f.sink.Emit(ctx, Event{RunID: runID, Stage: stage, Type: eventType})
	}
	return nil
}

func isValidStageTransition(from, to schema.StageStatus) bool {
	allowed, ok := validStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stageEventType(to schema.StageStatus) string {
	switch to {
	case schema.StageStatusRunning:
		return schema.EventStageStarted
	case schema.StageStatusCompleted:
		return schema.EventStageCompleted
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusSkipped:
		return schema.EventStageSkipped
	case schema.StageStatusRetrying:
		return schema.EventStageRetrying
	case schema.StageStatusDeferred:
		return schema.EventStageDeferred
	default:
		return ""
	}
}

// validRunTransitions defines the allowed state transitions for runs.
// Terminal states have no successors; a retry starts a fresh run at idle.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:         {schema.RunStatusInitializing},
	schema.RunStatusInitializing: {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted:    {},
	schema.RunStatusFailed:       {},
}

// validStageTransitions defines the allowed state transitions for stages.
// Deferred stages re-enter at scheduled when the background runner picks
// them up.
var validStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending:   {schema.StageStatusScheduled, schema.StageStatusSkipped, schema.StageStatusDeferred},
	schema.StageStatusScheduled: {schema.StageStatusRunning, schema.StageStatusSkipped},
	schema.StageStatusRunning:   {schema.StageStatusCompleted, schema.StageStatusFailed, schema.StageStatusRetrying},
	schema.StageStatusRetrying:  {schema.StageStatusRunning, schema.StageStatusFailed},
	schema.StageStatusDeferred:  {schema.StageStatusScheduled},
	schema.StageStatusCompleted: {},
	schema.StageStatusFailed:    {},
	schema.StageStatusSkipped:   {},
}
