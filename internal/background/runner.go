package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crewline/bootstage/pkg/schema"
)

// DefaultStagger is the gap between consecutive deferred-stage launches.
// Spacing them out keeps background work from competing with whatever the
// app is doing right after startup.
const DefaultStagger = 250 * time.Millisecond

// DefaultRefreshSchedule re-runs refreshable stages every 15 minutes.
const DefaultRefreshSchedule = "*/15 * * * *"

// StageRunner is the interface the runner uses to execute stages.
// Satisfied by the orchestrator (avoids import cycle).
type StageRunner interface {
	RunStage(ctx context.Context, id schema.StageID) error
	Deferred() []schema.StageID
	Refreshable() []schema.StageID
}

// Runner drains deferred stages after the foreground run and periodically
// re-runs refreshable stages on a cron schedule.
type Runner struct {
	runner   StageRunner
	logger   *slog.Logger
	stagger  time.Duration
	schedule string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron

	inflightMu sync.Mutex
	inflight   map[schema.StageID]struct{}
}

// NewRunner creates a background Runner. A zero stagger uses DefaultStagger;
// an empty schedule uses DefaultRefreshSchedule.
func NewRunner(runner StageRunner, logger *slog.Logger, stagger time.Duration, schedule string) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if stagger <= 0 {
		stagger = DefaultStagger
	}
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	return &Runner{
		runner:   runner,
		logger:   logger,
		stagger:  stagger,
		schedule: schedule,
		inflight: make(map[schema.StageID]struct{}),
	}
}

// Start drains the deferred stages in a goroutine and installs the refresh
// schedule. Returns an error if already started.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("background runner already started")
	}

	bgCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.refresh(bgCtx) }); err != nil {
		r.cancel = nil
		r.done = nil
		cancel()
		r.mu.Unlock()
		return fmt.Errorf("install refresh schedule %q: %w", r.schedule, err)
	}
	r.cron = c
	r.mu.Unlock()

	c.Start()
	go r.drain(bgCtx)

	r.logger.Info("background runner started",
		slog.String("refresh_schedule", r.schedule),
		slog.Duration("stagger", r.stagger))
	return nil
}

// drain runs each deferred stage with a stagger between launches.
func (r *Runner) drain(ctx context.Context) {
	defer close(r.done)

	for _, id := range r.runner.Deferred() {
		if ctx.Err() != nil {
			return
		}
		r.runOne(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.stagger):
		}
	}
}

// refresh re-runs every refreshable stage once.
func (r *Runner) refresh(ctx context.Context) {
	for _, id := range r.runner.Refreshable() {
		if ctx.Err() != nil {
			return
		}
		r.runOne(ctx, id)
	}
}

func (r *Runner) runOne(ctx context.Context, id schema.StageID) {
	if !r.tryAcquire(id) {
		return // already running (dedup)
	}
	defer r.release(id)

	if err := r.runner.RunStage(ctx, id); err != nil {
		r.logger.Warn("background stage failed",
			slog.String("stage", string(id)),
			slog.String("error", err.Error()))
	}
}

// tryAcquire returns true and marks the stage in-flight if it is not
// already running.
func (r *Runner) tryAcquire(id schema.StageID) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) release(id schema.StageID) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, id)
}

// Stop halts the refresh schedule and waits for the drain loop to exit.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("background runner stopped")
	return nil
}
