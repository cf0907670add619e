package engine

import (
	"sync"

	"github.com/crewline/bootstage/internal/perf"
	"github.com/crewline/bootstage/internal/progress"
	"github.com/crewline/bootstage/pkg/schema"
)

// RunContext is the shared state bag passed to every stage callback of one
// run. Stages use it to hand results downstream (a session handle, a loaded
// profile) and to report sub-stage progress and telemetry.
type RunContext struct {
	RunID    string
	Strategy schema.Strategy

	mu     sync.RWMutex
	values map[string]any

	tracker *progress.Tracker
	monitor *perf.Monitor
}

func newRunContext(runID string, strat schema.Strategy, tracker *progress.Tracker, monitor *perf.Monitor) *RunContext {
	return &RunContext{
		RunID:    runID,
		Strategy: strat,
		values:   make(map[string]any),
		tracker:  tracker,
		monitor:  monitor,
	}
}

// Set stores a value for downstream stages.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	rc.values[key] = value
	rc.mu.Unlock()
}

// Get returns a value stored by an upstream stage.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.values[key]
	return v, ok
}

// Checkpoint narrates sub-stage progress for the given stage.
func (rc *RunContext) Checkpoint(id schema.StageID, message string) {
	if rc.tracker != nil {
		rc.tracker.Checkpoint(id, message)
	}
}

// ReportProgress reports sub-stage completion as a percentage. Checkpoint
// messages attached to the stage's metadata become the progress detail as
// their percentages are crossed.
func (rc *RunContext) ReportProgress(id schema.StageID, percent float64) {
	if rc.tracker != nil {
		rc.tracker.ReportPercent(id, percent)
	}
}

// RecordNetworkRequest attributes one network call to the stage.
func (rc *RunContext) RecordNetworkRequest(id schema.StageID) {
	if rc.monitor != nil {
		rc.monitor.RecordNetworkRequest(id)
	}
}

// RecordCacheHit counts a cache hit for the run-wide hit-rate metric.
func (rc *RunContext) RecordCacheHit() {
	if rc.monitor != nil {
		rc.monitor.RecordCacheHit()
	}
}

// RecordCacheMiss counts a cache miss for the run-wide hit-rate metric.
func (rc *RunContext) RecordCacheMiss() {
	if rc.monitor != nil {
		rc.monitor.RecordCacheMiss()
	}
}
