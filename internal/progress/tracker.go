package progress

import (
	"sync"
	"time"

	"github.com/crewline/bootstage/pkg/schema"
)

// Estimator supplies per-stage duration estimates for the ETA computation.
// Implemented by the metadata store, which substitutes learned averages for
// static estimates once history exists.
type Estimator interface {
	EstimateFor(id schema.StageID) time.Duration
}

// CheckpointSource supplies the per-stage checkpoint ladder used to turn
// reported sub-stage percentages into narration. The metadata store
// implements it; estimators without checkpoints narrate nothing.
type CheckpointSource interface {
	CheckpointsFor(id schema.StageID) []schema.ProgressCheckpoint
}

// Tracker aggregates stage state transitions into InitializationProgress
// snapshots and broadcasts each one through its hub. After a terminal
// Complete or Fail, one final snapshot is emitted and further calls are
// ignored.
type Tracker struct {
	mu        sync.Mutex
	runID     string
	total     int
	stages    []schema.StageID
	completed map[schema.StageID]bool
	active    map[schema.StageID]bool
	failed    map[schema.StageID]bool
	critical  map[schema.StageID]bool
	current   schema.StageID
	detail    string
	message   string
	startedAt time.Time
	done      bool
	criticalF bool

	estimator   Estimator
	checkpoints CheckpointSource
	hub         *Hub
}

// NewTracker creates a Tracker over the given stage set. Snapshots are
// published to hub; a nil hub gets a private one.
func NewTracker(runID string, stages []schema.StageDescriptor, estimator Estimator, hub *Hub) *Tracker {
	if hub == nil {
		hub = NewHub()
	}
	t := &Tracker{
		runID:     runID,
		total:     len(stages),
		completed: make(map[schema.StageID]bool),
		active:    make(map[schema.StageID]bool),
		failed:    make(map[schema.StageID]bool),
		critical:  make(map[schema.StageID]bool),
		startedAt: time.Now(),
		estimator: estimator,
		hub:       hub,
	}
	if cs, ok := estimator.(CheckpointSource); ok {
		t.checkpoints = cs
	}
	for _, d := range stages {
		t.stages = append(t.stages, d.ID)
		if d.Critical {
			t.critical[d.ID] = true
		}
	}
	return t
}

// Subscribe returns a channel of progress snapshots and a cancel function.
// Multiple independent subscribers each see every emission; late
// subscribers get the most recent snapshot immediately.
func (t *Tracker) Subscribe() (<-chan schema.InitializationProgress, func()) {
	return t.hub.Subscribe()
}

// StartStage marks a stage as in progress and emits a snapshot.
func (t *Tracker) StartStage(id schema.StageID) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.active[id] = true
	t.current = id
	t.detail = ""
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// Checkpoint updates the sub-stage narration for the current stage.
func (t *Tracker) Checkpoint(id schema.StageID, message string) {
	t.mu.Lock()
	if t.done || !t.active[id] {
		t.mu.Unlock()
		return
	}
	t.current = id
	t.detail = message
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// ReportPercent records sub-stage completion for an active stage. The
// highest metadata checkpoint at or below the reported percentage supplies
// the current detail; percentages below the first checkpoint emit nothing.
func (t *Tracker) ReportPercent(id schema.StageID, percent float64) {
	if t.checkpoints == nil {
		return
	}
	var msg string
	best := -1.0
	for _, cp := range t.checkpoints.CheckpointsFor(id) {
		if cp.Percent <= percent && cp.Percent > best {
			best = cp.Percent
			msg = cp.Message
		}
	}
	if msg == "" {
		return
	}

	t.mu.Lock()
	if t.done || !t.active[id] {
		t.mu.Unlock()
		return
	}
	t.current = id
	t.detail = msg
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// CompleteStage marks a stage as completed and emits a snapshot.
func (t *Tracker) CompleteStage(id schema.StageID) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	t.completed[id] = true
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// FailStage marks a stage as failed and emits a snapshot carrying the
// failure message.
func (t *Tracker) FailStage(id schema.StageID, message string) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	t.failed[id] = true
	if t.critical[id] {
		t.criticalF = true
	}
	t.message = message
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// SkipStage resolves a stage without running it (already satisfied or
// deferred to the background) and emits a snapshot.
func (t *Tracker) SkipStage(id schema.StageID) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	t.completed[id] = true
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// Complete marks the run finished, emits one final snapshot, and stops
// further emission.
func (t *Tracker) Complete() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.current = ""
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// Fail marks the run aborted, emits one final snapshot carrying the error
// message, and stops further emission.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.message = message
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.hub.Publish(snap)
}

// Current returns the latest snapshot without subscribing.
func (t *Tracker) Current() schema.InitializationProgress {
	if snap, ok := t.hub.Last(); ok {
		return snap
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked builds a fresh immutable snapshot. Callers hold t.mu.
func (t *Tracker) snapshotLocked() schema.InitializationProgress {
	snap := schema.InitializationProgress{
		RunID:               t.runID,
		TotalStages:         t.total,
		CompletedStages:     len(t.completed),
		InProgressStages:    len(t.active),
		FailedStages:        len(t.failed),
		CurrentStage:        t.current,
		CurrentDetail:       t.detail,
		Elapsed:             time.Since(t.startedAt),
		HasCriticalFailures: t.criticalF,
		Message:             t.message,
		Done:                t.done,
	}

	if t.total > 0 {
		snap.Percent = 100 * float64(len(t.completed)+len(t.failed)) / float64(t.total)
	}

	for id := range t.active {
		snap.Active = append(snap.Active, id)
	}
	for id := range t.failed {
		snap.Failed = append(snap.Failed, id)
	}

	// ETA: sum of estimates for stages not yet resolved.
	if t.estimator != nil {
		var remaining time.Duration
		for _, id := range t.stages {
			if t.completed[id] || t.failed[id] {
				continue
			}
			remaining += t.estimator.EstimateFor(id)
		}
		snap.EstimatedRemaining = remaining
	}

	return snap
}
