package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

func TestWorkerPool_ExecutesSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var count atomic.Int64
	for i := 0; i < 5; i++ {
		id := schema.StageID(fmt.Sprintf("stage_%d", i))
		err := pool.Submit(context.Background(), id, func(context.Context) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int64(5), count.Load())
	m := pool.Metrics()
	assert.Equal(t, 5, m.Completed)
	assert.Zero(t, m.Active)
	assert.Empty(t, m.InFlight)
}

func TestWorkerPool_BoundsConcurrencyAndRecordsPeak(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	for i := 0; i < 6; i++ {
		id := schema.StageID(fmt.Sprintf("stage_%d", i))
		err := pool.Submit(context.Background(), id, func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	m := pool.Metrics()
	assert.LessOrEqual(t, m.Peak, 2)
	assert.Greater(t, m.Peak, 0)
	assert.Equal(t, 6, m.Completed)
}

func TestWorkerPool_TracksInFlightStages(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "auth_session", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	m := pool.Metrics()
	assert.Equal(t, 1, m.Active)
	assert.Equal(t, []schema.StageID{"auth_session"}, m.InFlight)

	close(release)
	pool.Wait()
	assert.Empty(t, pool.Metrics().InFlight)
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), "job_feed", func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), "messaging", func(context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, 2, m.Failed)
	assert.Equal(t, 1, m.Panics)
	assert.Zero(t, m.Completed)
}

func TestWorkerPool_ShutdownRejectsNewWork(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), "core_services", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	pool.Shutdown()
}

func TestWorkerPool_SubmitRespectsContextWhileBlocked(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), "core_services", func(context.Context) error {
		<-release
		return nil
	}))

	// The pool is at capacity; a submit with an expiring context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, "local_cache", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}
