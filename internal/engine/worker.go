package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/crewline/bootstage/pkg/schema"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity. Peak is the
// concurrency high-water mark over the pool's lifetime; InFlight names the
// stages currently executing.
type PoolMetrics struct {
	Active    int              `json:"active"`
	Peak      int              `json:"peak"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Panics    int              `json:"panics"`
	InFlight  []schema.StageID `json:"in_flight,omitempty"`
}

// WorkerPool bounds how many stages execute concurrently. The semaphore size
// is the plan's parallelism limit, so a sequential plan runs on a pool of
// one. Each unit of work is tied to the stage it runs, which keeps the
// in-flight set observable while a batch executes.
type WorkerPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	inflight  map[schema.StageID]struct{}
	peak      int
	completed int
	failed    int
	panics    int
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[schema.StageID]struct{}),
	}
}

// Submit runs a stage's work on the pool. At capacity it blocks for a free
// slot, giving up on context cancellation or shutdown. Returns
// ErrPoolShutdown once Shutdown has begun.
func (p *WorkerPool) Submit(ctx context.Context, id schema.StageID, fn func(ctx context.Context) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// The slot is held; register under the lock so Shutdown's wg.Wait
	// cannot race a late wg.Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.inflight[id] = struct{}{}
	if n := len(p.inflight); n > p.peak {
		p.peak = n
	}
	p.mu.Unlock()

	go func() {
		var err error
		defer func() {
			rec := recover()
			p.mu.Lock()
			delete(p.inflight, id)
			switch {
			case rec != nil:
				p.panics++
				p.failed++
			case err != nil:
				p.failed++
			default:
				p.completed++
			}
			p.mu.Unlock()
			<-p.sem
			p.wg.Done()
		}()
		err = fn(ctx)
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops the pool: new submissions are rejected and active stages
// run to completion. Idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of pool activity.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{
		Active:    len(p.inflight),
		Peak:      p.peak,
		Completed: p.completed,
		Failed:    p.failed,
		Panics:    p.panics,
	}
	for id := range p.inflight {
		m.InFlight = append(m.InFlight, id)
	}
	return m
}
