package engine

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewline/bootstage/internal/graph"
	"github.com/crewline/bootstage/internal/logging"
	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/internal/perf"
	"github.com/crewline/bootstage/internal/progress"
	"github.com/crewline/bootstage/internal/resilience"
	"github.com/crewline/bootstage/internal/strategy"
	"github.com/crewline/bootstage/pkg/schema"
)

// StageFunc is the work of one stage. It receives a context carrying the
// stage deadline and a RunContext for cross-stage state and telemetry.
type StageFunc func(ctx context.Context, rc *RunContext) error

// Hook runs before or after a stage callback. A before-hook error is treated
// as a stage failure; after-hook errors likewise fail the stage.
type Hook func(ctx context.Context, rc *RunContext, id schema.StageID) error

// Options configures an Orchestrator. Zero-value fields fall back to
// defaults: the built-in stage registry, DefaultConfig, a default selector
// with the built-in rule set, and a log-backed event sink.
type Options struct {
	Config   schema.Config
	Stages   []schema.StageDescriptor
	Archive  metadata.Archive
	Logger   *slog.Logger
	Selector *strategy.Selector
	Sink     EventSink
	Breaker  *resilience.BreakerConfig
}

// Orchestrator coordinates one startup run: it resolves the strategy, walks
// the dependency graph in level order, applies per-stage timeout and retry
// policy, and aggregates the outcome into an ExecutionSummary.
type Orchestrator struct {
	cfg      schema.Config
	logger   *slog.Logger
	graph    *graph.Graph
	meta     *metadata.Store
	res      *resilience.Manager
	mon      *perf.Monitor
	selector *strategy.Selector
	sink     EventSink
	runFSM   *RunFSM
	stageFSM *StageFSM
	hub      *progress.Hub

	mu        sync.Mutex
	callbacks map[schema.StageID]StageFunc
	fallbacks map[schema.StageID]StageFunc
	before    map[schema.StageID][]Hook
	after     map[schema.StageID][]Hook
	completed map[schema.StageID]bool
	current   *run
	running   bool
}

// run tracks one in-flight or finished execution.
type run struct {
	id        string
	strategy  schema.Strategy
	rc        *RunContext
	tracker   *progress.Tracker
	startedAt time.Time

	mu       sync.Mutex
	status   schema.RunStatus
	results  map[schema.StageID]schema.StageExecutionResult
	deferred []schema.StageID
	endedAt  time.Time
	runErr   *schema.StageError
}

func (r *run) setResult(res schema.StageExecutionResult) {
	r.mu.Lock()
	r.results[res.Stage] = res
	r.mu.Unlock()
}

func (r *run) result(id schema.StageID) (schema.StageExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

// New creates an Orchestrator over the given stage set.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == (schema.Config{}) {
		cfg = schema.DefaultConfig()
	}
	if !cfg.DefaultStrategy.IsValid() {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown strategy %q", cfg.DefaultStrategy)
	}

	stages := opts.Stages
	if len(stages) == 0 {
		stages = schema.AllStages()
	}
	g, err := graph.Build(stages)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink := opts.Sink
	if sink == nil {
		sink = NewLogSink(logger)
	}

	bc := resilience.DefaultBreakerConfig()
	if opts.Breaker != nil {
		bc = *opts.Breaker
	}

	selector := opts.Selector
	if selector == nil {
		selector, err = strategy.NewSelector(nil, schema.StrategyParallel, logger)
		if err != nil {
			return nil, err
		}
	}

	meta := metadata.NewStore(stages, opts.Archive)
	meta.SetRetryBudget(cfg.MaxRetries)

	mon := perf.NewMonitor(perf.DefaultSampleInterval)
	mon.SetCacheThreshold(cfg.CacheThreshold)

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		graph:     g,
		meta:      meta,
		res:       resilience.NewManager(bc),
		mon:       mon,
		selector:  selector,
		sink:      sink,
		runFSM:    NewRunFSM(sink),
		stageFSM:  NewStageFSM(sink),
		hub:       progress.NewHub(),
		callbacks: make(map[schema.StageID]StageFunc),
		fallbacks: make(map[schema.StageID]StageFunc),
		before:    make(map[schema.StageID][]Hook),
		after:     make(map[schema.StageID][]Hook),
		completed: make(map[schema.StageID]bool),
	}, nil
}

// RegisterStage binds the callback executed for a stage. Every stage in the
// graph must be registered before Initialize.
func (o *Orchestrator) RegisterStage(id schema.StageID, fn StageFunc) error {
	if _, ok := o.graph.Stages[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown stage: %s", id).WithStage(id)
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "nil callback for stage %s", id).WithStage(id)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.callbacks[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "stage %s already registered", id).WithStage(id)
	}
	o.callbacks[id] = fn
	return nil
}

// RegisterFallback binds an alternative callback invoked when the primary
// one fails with a data error on a non-critical stage (cached or default
// data instead of a fresh fetch).
func (o *Orchestrator) RegisterFallback(id schema.StageID, fn StageFunc) error {
	if _, ok := o.graph.Stages[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown stage: %s", id).WithStage(id)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks[id] = fn
	return nil
}

// OnBeforeStage registers a hook invoked before the stage callback on every
// attempt.
func (o *Orchestrator) OnBeforeStage(id schema.StageID, hook Hook) {
	o.mu.Lock()
	o.before[id] = append(o.before[id], hook)
	o.mu.Unlock()
}

// OnAfterStage registers a hook invoked after the stage callback succeeds.
func (o *Orchestrator) OnAfterStage(id schema.StageID, hook Hook) {
	o.mu.Lock()
	o.after[id] = append(o.after[id], hook)
	o.mu.Unlock()
}

// Initialize runs the startup sequence. A completed previous run returns its
// summary without re-executing; use Retry to re-run after a failure.
// Concurrent calls conflict: only one run may be in flight.
func (o *Orchestrator) Initialize(ctx context.Context, rt strategy.RuntimeContext) (*schema.ExecutionSummary, error) {
	return o.initialize(ctx, rt, false)
}

// Retry re-runs the startup sequence after a failed run. Stages that
// completed in earlier runs are skipped; breaker and timing state carries
// over.
func (o *Orchestrator) Retry(ctx context.Context, rt strategy.RuntimeContext) (*schema.ExecutionSummary, error) {
	return o.initialize(ctx, rt, true)
}

func (o *Orchestrator) initialize(ctx context.Context, rt strategy.RuntimeContext, force bool) (*schema.ExecutionSummary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "initialization already in progress")
	}
	if !force && o.current != nil && o.current.status == schema.RunStatusCompleted {
		prev := o.current
		o.mu.Unlock()
		return o.buildSummary(prev), nil
	}
	for id := range o.graph.Stages {
		if _, ok := o.callbacks[id]; !ok {
			o.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "no callback registered for stage %s", id).
				WithStage(id).WithKind(schema.FailureConfiguration)
		}
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	strat := o.cfg.DefaultStrategy.ResolveProfile()
	if strat == schema.StrategyAdaptive {
		strat = o.selector.Select(ctx, rt)
	}

	p := buildPlan(o.graph, strat, o.cfg)

	var tracker *progress.Tracker
	if o.cfg.EnableProgressTracking {
		tracker = progress.NewTracker(runID, o.descriptors(), o.meta, o.hub)
	}
	var monitor *perf.Monitor
	if o.cfg.EnablePerformanceMonitoring {
		monitor = o.mon
	}

	r := &run{
		id:        runID,
		strategy:  strat,
		rc:        newRunContext(runID, strat, tracker, monitor),
		tracker:   tracker,
		startedAt: time.Now(),
		status:    schema.RunStatusInitializing,
		results:   make(map[schema.StageID]schema.StageExecutionResult),
		deferred:  p.deferred,
	}
	o.mu.Lock()
	o.current = r
	o.mu.Unlock()

	if err := o.runFSM.Transition(ctx, runID, schema.RunStatusIdle, schema.RunStatusInitializing); err != nil {
		return nil, err
	}

	if monitor != nil {
		monitor.StartMonitoring()
		defer monitor.StopMonitoring()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	// Resolve deferred stages up front so the level walker never sees them.
	now := time.Now()
	for _, id := range p.deferred {
		_ = o.stageFSM.Transition(runCtx, runID, id, schema.StageStatusPending, schema.StageStatusDeferred)
		r.setResult(schema.StageExecutionResult{
			Stage: id, Status: schema.StageStatusDeferred, StartedAt: now, EndedAt: now,
		})
		if tracker != nil {
			tracker.SkipStage(id)
		}
	}

	runErr := o.executeBatches(runCtx, r, p)

	// Planned stages the abort unwound before they started resolve as skipped.
	endAt := time.Now()
	for _, batch := range p.batches {
		for _, id := range batch {
			if _, ok := r.result(id); ok {
				continue
			}
			_ = o.stageFSM.Transition(context.WithoutCancel(runCtx), runID, id, schema.StageStatusPending, schema.StageStatusSkipped)
			r.setResult(schema.StageExecutionResult{
				Stage: id, Status: schema.StageStatusSkipped, StartedAt: endAt, EndedAt: endAt,
			})
		}
	}

	finalCtx := context.WithoutCancel(ctx)
	r.mu.Lock()
	r.endedAt = time.Now()
	if runErr != nil {
		r.status = schema.RunStatusFailed
		r.runErr = runErr
	} else {
		r.status = schema.RunStatusCompleted
	}
	r.mu.Unlock()

	if runErr != nil {
		_ = o.runFSM.Transition(finalCtx, runID, schema.RunStatusInitializing, schema.RunStatusFailed)
		if tracker != nil {
			tracker.Fail(runErr.Error())
		}
	} else {
		_ = o.runFSM.Transition(finalCtx, runID, schema.RunStatusInitializing, schema.RunStatusCompleted)
		if tracker != nil {
			tracker.Complete()
		}
	}

	o.meta.Flush(finalCtx)

	summary := o.buildSummary(r)
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// executeBatches walks the plan batch by batch, dispatching stages to a
// bounded worker pool sized to the plan's parallelism. A batch must fully
// resolve before the next starts; an abort error stops the walk.
func (o *Orchestrator) executeBatches(ctx context.Context, r *run, p plan) *schema.StageError {
	pool := NewWorkerPool(p.maxParallel)
	defer pool.Shutdown()

	var abort *schema.StageError

	for _, batch := range p.batches {
		if ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		failures := make(chan *schema.StageError, len(batch))

		for _, id := range batch {
			id := id
			wg.Add(1)
			err := pool.Submit(ctx, id, func(stageCtx context.Context) error {
				defer wg.Done()
				if serr := o.executeStage(stageCtx, r, id); serr != nil {
					failures <- serr
				}
				return nil
			})
			if err != nil {
				wg.Done()
				failures <- toStageError(err, id)
			}
		}

		wg.Wait()
		close(failures)

		for fe := range failures {
			if abort == nil {
				abort = fe
			}
		}
		if abort != nil {
			break
		}
	}

	if ctx.Err() != nil && abort == nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			abort = schema.NewError(schema.ErrCodeTimeout, "initialization timed out").
				WithKind(schema.FailureTimeout)
		} else {
			abort = schema.NewError(schema.ErrCodeAborted, "initialization cancelled")
		}
	}
	return abort
}

// executeStage runs one stage through its full lifecycle: breaker gate,
// FSM transitions, timeout-bounded attempts, retry with backoff, fallback,
// and terminal recording. A non-nil return aborts the run.
func (o *Orchestrator) executeStage(ctx context.Context, r *run, id schema.StageID) *schema.StageError {
	d := o.graph.Stages[id]
	ctx = logging.WithStage(ctx, string(id))

	o.mu.Lock()
	alreadyDone := o.completed[id]
	fn := o.callbacks[id]
	fb := o.fallbacks[id]
	beforeHooks := append([]Hook(nil), o.before[id]...)
	afterHooks := append([]Hook(nil), o.after[id]...)
	o.mu.Unlock()

	if alreadyDone {
		o.resolveSkipped(ctx, r, id)
		return nil
	}

	if !o.res.CanExecuteStage(id) {
		o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventCircuitBreakerOpen,
			Payload: map[string]any{"state": o.res.BreakerStateFor(id).String()}})
		if d.Critical {
			serr := schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker open for critical stage %s", id).
				WithStage(id).WithKind(schema.FailureCritical)
			o.resolveSkipped(ctx, r, id)
			return serr
		}
		o.resolveSkipped(ctx, r, id)
		return nil
	}

	md := o.meta.GetMetadata(id)

	if err := o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusPending, schema.StageStatusScheduled); err != nil {
		return toStageError(err, id)
	}
	if err := o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusScheduled, schema.StageStatusRunning); err != nil {
		return toStageError(err, id)
	}
	if r.tracker != nil {
		r.tracker.StartStage(id)
	}
	if o.cfg.EnablePerformanceMonitoring {
		o.mon.RecordStageStart(id)
	}

	attemptOnce := func(attemptCtx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = schema.NewErrorf(schema.ErrCodeExecution, "stage %s panicked: %v", id, rec).
					WithStage(id).
					WithDetails(map[string]any{"stack": string(debug.Stack())})
			}
		}()
		for _, h := range beforeHooks {
			if herr := h(attemptCtx, r.rc, id); herr != nil {
				return herr
			}
		}
		if cerr := fn(attemptCtx, r.rc); cerr != nil {
			return cerr
		}
		for _, h := range afterHooks {
			if herr := h(attemptCtx, r.rc, id); herr != nil {
				return herr
			}
		}
		return nil
	}

	startedAt := time.Now()

	for {
		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if md.Timeout.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, md.Timeout.Timeout)
		}
		err := attemptOnce(attemptCtx)
		if cancelAttempt != nil {
			cancelAttempt()
		}

		if err == nil {
			o.completeStage(ctx, r, id, startedAt)
			return nil
		}

		state := o.res.RecordStageFailure(id, err)
		if state == resilience.BreakerOpen {
			o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventCircuitBreakerOpen,
				Payload: map[string]any{"failures": len(o.res.ErrorHistory(id))}})
		}
		if o.cfg.EnablePerformanceMonitoring {
			o.mon.RecordError(id)
		}

		kind, action := o.res.RecoveryActionFor(err, d.Critical)
		if !o.cfg.EnableErrorRecovery {
			if d.Critical || kind == schema.FailureConfiguration {
				action = schema.RecoveryAbort
			} else {
				action = schema.RecoveryProceed
			}
		}

		if action == schema.RecoveryRetry {
			attempts := o.res.AttemptCount(id)
			if attempts > md.Retry.MaxRetries {
				// Budget exhausted.
				exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"stage %s: retries exhausted after %d attempts: %s", id, attempts, err.Error()).
					WithStage(id).WithKind(kind).WithCause(err)
				if d.Critical {
					o.failStage(ctx, r, id, schema.StageStatusRunning, startedAt, exhausted)
					return exhausted
				}
				err = exhausted
				action = schema.RecoveryFallback
			} else {
				delay := o.res.RetryDelay(id, md.Retry)
				o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventStageRetryAttempt,
					Payload: map[string]any{
						"attempt":     attempts,
						"max_retries": md.Retry.MaxRetries,
						"delay":       delay.String(),
						"error":       err.Error(),
					}})
				if ferr := o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusRunning, schema.StageStatusRetrying); ferr != nil {
					return toStageError(ferr, id)
				}
				if r.tracker != nil {
					r.tracker.Checkpoint(id, "retrying")
				}
				if werr := waitBackoff(ctx, delay); werr != nil {
					serr := schema.NewErrorf(schema.ErrCodeAborted, "stage %s cancelled during backoff", id).
						WithStage(id).WithKind(kind).WithCause(err)
					o.failStage(ctx, r, id, schema.StageStatusRetrying, startedAt, serr)
					return serr
				}
				if ferr := o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusRetrying, schema.StageStatusRunning); ferr != nil {
					return toStageError(ferr, id)
				}
				if o.res.CanExecuteStage(id) {
					continue
				}

				// The breaker opened while backing off; stop burning
				// attempts against it.
				brerr := schema.NewErrorf(schema.ErrCodeCircuitOpen,
					"circuit breaker opened for stage %s during retry", id).
					WithStage(id).WithKind(kind).WithCause(err)
				o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventCircuitBreakerOpen,
					Payload: map[string]any{"state": o.res.BreakerStateFor(id).String()}})
				if d.Critical {
					o.failStage(ctx, r, id, schema.StageStatusRunning, startedAt, brerr)
					return brerr
				}
				err = brerr
				action = schema.RecoveryFallback
			}
		}

		switch action {
		case schema.RecoveryFallback:
			if fb != nil {
				o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventStageFallback})
				if o.runFallback(ctx, r, id, fb, md) == nil {
					o.completeStage(ctx, r, id, startedAt)
					return nil
				}
			}
			o.tolerateStage(ctx, r, id, startedAt, err)
			return nil

		case schema.RecoveryProceed:
			o.tolerateStage(ctx, r, id, startedAt, err)
			return nil

		default: // RecoveryAbort
			serr := toStageError(err, id).WithKind(kind)
			o.failStage(ctx, r, id, schema.StageStatusRunning, startedAt, serr)
			return serr
		}
	}
}

// runFallback executes the fallback callback with its own timeout and panic
// recovery.
func (o *Orchestrator) runFallback(ctx context.Context, r *run, id schema.StageID, fb StageFunc, md schema.StageMetadata) (err error) {
	fbCtx := ctx
	var cancel context.CancelFunc
	if md.Timeout.Timeout > 0 {
		fbCtx, cancel = context.WithTimeout(ctx, md.Timeout.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "fallback for stage %s panicked: %v", id, rec).WithStage(id)
		}
	}()
	return fb(fbCtx, r.rc)
}

// completeStage records a successful stage terminal state.
func (o *Orchestrator) completeStage(ctx context.Context, r *run, id schema.StageID, startedAt time.Time) {
	endedAt := time.Now()
	_ = o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusRunning, schema.StageStatusCompleted)

	result := schema.StageExecutionResult{
		Stage:     id,
		Status:    schema.StageStatusCompleted,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
	r.setResult(result)

	o.res.RecordStageSuccess(id)
	o.meta.RecordExecution(result)
	if o.cfg.EnablePerformanceMonitoring {
		o.mon.RecordStageCompletion(id, endedAt.Sub(startedAt))
	}
	if r.tracker != nil {
		r.tracker.CompleteStage(id)
	}

	o.mu.Lock()
	o.completed[id] = true
	o.mu.Unlock()
}

// tolerateStage records a failure on a non-critical stage and lets the run
// continue.
func (o *Orchestrator) tolerateStage(ctx context.Context, r *run, id schema.StageID, startedAt time.Time, err error) {
	o.recordFailure(ctx, r, id, schema.StageStatusRunning, startedAt, err)
	o.sink.Emit(ctx, Event{RunID: r.id, Stage: id, Type: schema.EventStageTolerated,
		Payload: map[string]any{"error": err.Error()}})
}

// failStage records a failure that aborts the run.
func (o *Orchestrator) failStage(ctx context.Context, r *run, id schema.StageID, from schema.StageStatus, startedAt time.Time, err error) {
	o.recordFailure(ctx, r, id, from, startedAt, err)
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, id schema.StageID, from schema.StageStatus, startedAt time.Time, err error) {
	_ = o.stageFSM.Transition(context.WithoutCancel(ctx), r.id, id, from, schema.StageStatusFailed)

	result := schema.StageExecutionResult{
		Stage:     id,
		Status:    schema.StageStatusFailed,
		StartedAt: startedAt,
		EndedAt:   time.Now(),
		Error:     err.Error(),
	}
	var serr *schema.StageError
	if errors.As(err, &serr) {
		if stack, ok := serr.Details["stack"].(string); ok {
			result.StackTrace = stack
		}
	}
	r.setResult(result)

	o.meta.RecordExecution(result)
	if r.tracker != nil {
		r.tracker.FailStage(id, err.Error())
	}
}

// resolveSkipped records a stage resolved without running (already done in
// an earlier run, or its breaker is open).
func (o *Orchestrator) resolveSkipped(ctx context.Context, r *run, id schema.StageID) {
	now := time.Now()
	_ = o.stageFSM.Transition(ctx, r.id, id, schema.StageStatusPending, schema.StageStatusSkipped)
	r.setResult(schema.StageExecutionResult{
		Stage: id, Status: schema.StageStatusSkipped, StartedAt: now, EndedAt: now,
	})
	if r.tracker != nil {
		r.tracker.SkipStage(id)
	}
}

// RunStage executes a single stage outside a foreground run. The background
// runner uses it for deferred stages and periodic refresh. It honors the
// breaker gate and records telemetry, but performs no retries: the caller's
// schedule provides the next attempt.
func (o *Orchestrator) RunStage(ctx context.Context, id schema.StageID) error {
	if _, ok := o.graph.Stages[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown stage: %s", id).WithStage(id)
	}

	o.mu.Lock()
	fn := o.callbacks[id]
	r := o.current
	o.mu.Unlock()
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "no callback registered for stage %s", id).WithStage(id)
	}

	runID := "background"
	var rc *RunContext
	if r != nil {
		runID = r.id
		rc = r.rc
	} else {
		rc = newRunContext(runID, schema.StrategySequential, nil, o.mon)
	}
	ctx = logging.WithStage(logging.WithRunID(ctx, runID), string(id))

	if !o.res.CanExecuteStage(id) {
		return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit breaker open for stage %s", id).
			WithStage(id)
	}

	md := o.meta.GetMetadata(id)
	attemptCtx := ctx
	var cancel context.CancelFunc
	if md.Timeout.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, md.Timeout.Timeout)
		defer cancel()
	}

	o.sink.Emit(ctx, Event{RunID: runID, Stage: id, Type: schema.EventStageStarted,
		Payload: map[string]any{"background": true}})
	startedAt := time.Now()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = schema.NewErrorf(schema.ErrCodeExecution, "stage %s panicked: %v", id, rec).WithStage(id)
			}
		}()
		return fn(attemptCtx, rc)
	}()
	endedAt := time.Now()

	if err != nil {
		state := o.res.RecordStageFailure(id, err)
		if state == resilience.BreakerOpen {
			o.sink.Emit(ctx, Event{RunID: runID, Stage: id, Type: schema.EventCircuitBreakerOpen})
		}
		o.meta.RecordExecution(schema.StageExecutionResult{
			Stage: id, Status: schema.StageStatusFailed, StartedAt: startedAt, EndedAt: endedAt, Error: err.Error(),
		})
		o.sink.Emit(ctx, Event{RunID: runID, Stage: id, Type: schema.EventStageFailed,
			Payload: map[string]any{"background": true, "error": err.Error()}})
		return toStageError(err, id)
	}

	o.res.RecordStageSuccess(id)
	result := schema.StageExecutionResult{
		Stage: id, Status: schema.StageStatusCompleted, StartedAt: startedAt, EndedAt: endedAt,
	}
	o.meta.RecordExecution(result)
	if o.cfg.EnablePerformanceMonitoring {
		o.mon.RecordStageCompletion(id, endedAt.Sub(startedAt))
	}

	o.mu.Lock()
	o.completed[id] = true
	o.mu.Unlock()

	// A deferred stage finishing in the background upgrades its run record.
	if r != nil {
		if prev, ok := r.result(id); ok && prev.Status == schema.StageStatusDeferred {
			r.setResult(result)
		}
	}

	o.sink.Emit(ctx, Event{RunID: runID, Stage: id, Type: schema.EventStageCompleted,
		Payload: map[string]any{"background": true}})
	return nil
}

// Deferred returns the stages the last run handed to the background runner.
func (o *Orchestrator) Deferred() []schema.StageID {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.StageID, 0, len(r.deferred))
	for _, id := range r.deferred {
		if res, ok := r.results[id]; ok && res.Status != schema.StageStatusDeferred {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Refreshable returns the stages flagged for periodic background refresh.
func (o *Orchestrator) Refreshable() []schema.StageID {
	var out []schema.StageID
	for _, id := range o.graph.Sorted {
		if o.graph.Stages[id].Refreshable {
			out = append(out, id)
		}
	}
	return out
}

// Summary returns the report of the most recent run, or nil before any run.
func (o *Orchestrator) Summary() *schema.ExecutionSummary {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return nil
	}
	return o.buildSummary(r)
}

// Progress returns the latest progress snapshot.
func (o *Orchestrator) Progress() schema.InitializationProgress {
	if snap, ok := o.hub.Last(); ok {
		return snap
	}
	return schema.InitializationProgress{}
}

// SubscribeProgress returns a channel of progress snapshots and a cancel
// function. The subscription outlives individual runs: subscribing before
// Initialize sees the whole run, and a later Retry publishes to the same
// channel. With progress tracking disabled the channel never emits.
func (o *Orchestrator) SubscribeProgress() (<-chan schema.InitializationProgress, func()) {
	return o.hub.Subscribe()
}

// Estimates reports projected sequential and parallel durations for the
// stage set.
func (o *Orchestrator) Estimates(useHistoricalData bool) metadata.TimingEstimates {
	return o.meta.TimingEstimates(o.graph, useHistoricalData)
}

// Recommendations surfaces stages whose history suggests a policy change.
func (o *Orchestrator) Recommendations() []metadata.Recommendation {
	return o.meta.Recommendations()
}

// Analysis returns the performance analysis of the recorded run telemetry.
func (o *Orchestrator) Analysis() perf.Analysis {
	return o.mon.Analysis()
}

// Metrics returns the real-time performance counters.
func (o *Orchestrator) Metrics() perf.Metrics {
	return o.mon.RealTimeMetrics()
}

// ErrorHistory returns the recorded failures for a stage, oldest first.
func (o *Orchestrator) ErrorHistory(id schema.StageID) []resilience.RecordedFailure {
	return o.res.ErrorHistory(id)
}

// BreakerState returns the current circuit breaker state for a stage.
func (o *Orchestrator) BreakerState(id schema.StageID) resilience.BreakerState {
	return o.res.BreakerStateFor(id)
}

// Graph exposes the built dependency graph.
func (o *Orchestrator) Graph() *graph.Graph {
	return o.graph
}

// buildSummary aggregates a run's per-stage results into the report.
func (o *Orchestrator) buildSummary(r *run) *schema.ExecutionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &schema.ExecutionSummary{
		RunID:       r.id,
		Status:      r.status,
		Strategy:    r.strategy,
		TotalStages: len(o.graph.Stages),
	}

	for _, id := range o.graph.Sorted {
		res, ok := r.results[id]
		if !ok {
			s.InProgress++
			continue
		}
		s.Stages = append(s.Stages, res)
		switch res.Status {
		case schema.StageStatusCompleted:
			s.Completed++
		case schema.StageStatusFailed:
			s.Failed++
		case schema.StageStatusSkipped:
			s.Skipped++
		case schema.StageStatusDeferred:
			s.Deferred++
		default:
			s.InProgress++
		}
	}

	if attempted := s.Completed + s.Failed; attempted > 0 {
		s.SuccessRate = float64(s.Completed) / float64(attempted)
	}

	end := r.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	s.TotalDuration = end.Sub(r.startedAt)

	if r.runErr != nil {
		s.Error = r.runErr.Error()
	}
	return s
}

func (o *Orchestrator) descriptors() []schema.StageDescriptor {
	out := make([]schema.StageDescriptor, 0, len(o.graph.Sorted))
	for _, id := range o.graph.Sorted {
		out = append(out, o.graph.Stages[id])
	}
	return out
}

// toStageError normalizes an error into a *schema.StageError.
func toStageError(err error, id schema.StageID) *schema.StageError {
	var serr *schema.StageError
	if errors.As(err, &serr) {
		return serr
	}
	return schema.NewErrorf(schema.ErrCodeStageFailed, "stage %s: %s", id, err.Error()).
		WithStage(id).WithCause(err)
}

// waitBackoff sleeps for the backoff delay, respecting cancellation.
func waitBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
