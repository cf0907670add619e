package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

// stubRunner records RunStage invocations.
type stubRunner struct {
	mu          sync.Mutex
	deferred    []schema.StageID
	refreshable []schema.StageID
	ran         []schema.StageID
	err         error
	block       chan struct{} // non-nil: RunStage waits on it
}

func (s *stubRunner) RunStage(_ context.Context, id schema.StageID) error {
	s.mu.Lock()
	s.ran = append(s.ran, id)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return s.err
}

func (s *stubRunner) Deferred() []schema.StageID    { return s.deferred }
func (s *stubRunner) Refreshable() []schema.StageID { return s.refreshable }

func (s *stubRunner) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ran)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunner_DrainsDeferredStagesInOrder(t *testing.T) {
	stub := &stubRunner{deferred: []schema.StageID{"feed", "banners", "analytics"}}
	r := NewRunner(stub, quietLogger(), time.Millisecond, "")

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return stub.runCount() == 3 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, []schema.StageID{"feed", "banners", "analytics"}, stub.ran)
}

func TestRunner_StageFailuresDoNotStopTheDrain(t *testing.T) {
	stub := &stubRunner{
		deferred: []schema.StageID{"feed", "banners"},
		err:      errors.New("still offline"),
	}
	r := NewRunner(stub, quietLogger(), time.Millisecond, "")

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return stub.runCount() == 2 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
}

func TestRunner_DoubleStartFails(t *testing.T) {
	stub := &stubRunner{}
	r := NewRunner(stub, quietLogger(), time.Millisecond, "")

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())

	// A stopped runner can start again.
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	r := NewRunner(&stubRunner{}, quietLogger(), time.Millisecond, "")
	require.NoError(t, r.Stop(), "stopping a never-started runner is a no-op")

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestRunner_StopCancelsSlowDrain(t *testing.T) {
	stub := &stubRunner{
		deferred: []schema.StageID{"feed", "banners"},
		block:    make(chan struct{}),
	}
	r := NewRunner(stub, quietLogger(), time.Hour, "")

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return stub.runCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Unblock the in-flight stage, then stop before the stagger elapses.
	close(stub.block)
	stub.mu.Lock()
	stub.block = nil
	stub.mu.Unlock()
	require.NoError(t, r.Stop())

	assert.Equal(t, 1, stub.runCount(), "the hour-long stagger never elapses")
}

func TestRunner_RejectsBadSchedule(t *testing.T) {
	r := NewRunner(&stubRunner{}, quietLogger(), time.Millisecond, "not a cron expression")
	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh schedule")

	// The failed start leaves the runner startable.
	r2 := NewRunner(&stubRunner{}, quietLogger(), time.Millisecond, "")
	require.NoError(t, r2.Start(context.Background()))
	require.NoError(t, r2.Stop())
}

func TestRunner_InflightDedup(t *testing.T) {
	stub := &stubRunner{refreshable: []schema.StageID{"job_feed"}}
	r := NewRunner(stub, quietLogger(), time.Millisecond, "")

	// Simulate an in-flight execution; a concurrent refresh must skip it.
	require.True(t, r.tryAcquire("job_feed"))
	r.refresh(context.Background())
	assert.Zero(t, stub.runCount())

	r.release("job_feed")
	r.refresh(context.Background())
	assert.Equal(t, 1, stub.runCount())
}
