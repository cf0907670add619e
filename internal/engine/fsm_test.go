package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

// captureSink records emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *captureSink) byType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestRunFSM_ValidLifecycle(t *testing.T) {
	sink := &captureSink{}
	fsm := NewRunFSM(sink)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusIdle, schema.RunStatusInitializing))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusInitializing, schema.RunStatusCompleted))

	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, sink.types())
}

func TestRunFSM_RejectsInvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(&captureSink{})
	ctx := context.Background()

	tests := []struct {
		from, to schema.RunStatus
	}{
		{schema.RunStatusIdle, schema.RunStatusCompleted},
		{schema.RunStatusCompleted, schema.RunStatusInitializing},
		{schema.RunStatusFailed, schema.RunStatusInitializing},
		{schema.RunStatusCompleted, schema.RunStatusFailed},
	}
	for _, tt := range tests {
		err := fsm.Transition(ctx, "run-1", tt.from, tt.to)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		var serr *schema.StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, serr.Code)
		assert.Equal(t, string(tt.from), serr.Details["from"])
	}
}

func TestStageFSM_ValidLifecycle(t *testing.T) {
	sink := &captureSink{}
	fsm := NewStageFSM(sink)
	ctx := context.Background()

	steps := []struct {
		from, to schema.StageStatus
	}{
		{schema.StageStatusPending, schema.StageStatusScheduled},
		{schema.StageStatusScheduled, schema.StageStatusRunning},
		{schema.StageStatusRunning, schema.StageStatusRetrying},
		{schema.StageStatusRetrying, schema.StageStatusRunning},
		{schema.StageStatusRunning, schema.StageStatusCompleted},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "run-1", "auth_session", s.from, s.to))
	}

	// Scheduling itself is silent; the observable events start at running.
	assert.Equal(t, []string{
		schema.EventStageStarted,
		schema.EventStageRetrying,
		schema.EventStageStarted,
		schema.EventStageCompleted,
	}, sink.types())
}

func TestStageFSM_DeferredReentersAtScheduled(t *testing.T) {
	fsm := NewStageFSM(&captureSink{})
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "job_feed", schema.StageStatusPending, schema.StageStatusDeferred))
	require.NoError(t, fsm.Transition(ctx, "run-1", "job_feed", schema.StageStatusDeferred, schema.StageStatusScheduled))
	require.NoError(t, fsm.Transition(ctx, "run-1", "job_feed", schema.StageStatusScheduled, schema.StageStatusRunning))
}

func TestStageFSM_TerminalStatesHaveNoSuccessors(t *testing.T) {
	fsm := NewStageFSM(&captureSink{})
	ctx := context.Background()

	for _, terminal := range []schema.StageStatus{
		schema.StageStatusCompleted,
		schema.StageStatusFailed,
		schema.StageStatusSkipped,
	} {
		err := fsm.Transition(ctx, "run-1", "auth_session", terminal, schema.StageStatusRunning)
		require.Error(t, err, "from %s", terminal)
		var serr *schema.StageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, serr.Code)
		assert.Equal(t, schema.StageID("auth_session"), serr.Stage)
	}
}

func TestStageFSM_PendingCannotRunDirectly(t *testing.T) {
	fsm := NewStageFSM(&captureSink{})
	err := fsm.Transition(context.Background(), "run-1", "auth_session",
		schema.StageStatusPending, schema.StageStatusRunning)
	require.Error(t, err)
}
