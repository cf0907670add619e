package perf

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/crewline/bootstage/pkg/schema"
)

// Sampler and buffer defaults.
const (
	DefaultSampleInterval = 100 * time.Millisecond
	maxSnapshotHistory    = 600
	recentWindowSize      = 50
)

// Bottleneck thresholds.
const (
	slowStageFactor  = 2.0
	highMemoryBytes  = 100 << 20 // 100 MB
	highNetworkCalls = 10
	lowCacheHitRate  = 0.5
)

// Snapshot is an immutable point-in-time sample of run-wide counters.
type Snapshot struct {
	Elapsed         time.Duration `json:"elapsed"`
	MemoryBytes     uint64        `json:"memory_bytes"`
	NetworkRequests int64         `json:"network_requests"`
	CacheHits       int64         `json:"cache_hits"`
	CacheMisses     int64         `json:"cache_misses"`
	ActiveStages    int           `json:"active_stages"`
	CompletedStages int           `json:"completed_stages"`
	TakenAt         time.Time     `json:"taken_at"`
}

// stageRecord aggregates per-stage counters.
type stageRecord struct {
	startedAt       time.Time
	duration        time.Duration
	completed       bool
	networkRequests int64
	errors          int64
	peakMemory      uint64
}

// Bottleneck is a stage whose resource use significantly exceeds its peers.
type Bottleneck struct {
	Stage    schema.StageID `json:"stage"`
	Reason   string         `json:"reason"`
	Severity float64        `json:"severity"` // ratio over the threshold, higher is worse
}

// Analysis is the report produced by Monitor.Analysis.
type Analysis struct {
	AverageStageDuration time.Duration  `json:"average_stage_duration"`
	FastestStage         schema.StageID `json:"fastest_stage,omitempty"`
	FastestDuration      time.Duration  `json:"fastest_duration"`
	SlowestStage         schema.StageID `json:"slowest_stage,omitempty"`
	SlowestDuration      time.Duration  `json:"slowest_duration"`
	AverageMemoryBytes   uint64         `json:"average_memory_bytes"`
	PeakMemoryBytes      uint64         `json:"peak_memory_bytes"`
	AvgNetworkPerStage   float64        `json:"avg_network_per_stage"`
	CacheHitRate         float64        `json:"cache_hit_rate"`
	Bottlenecks          []Bottleneck   `json:"bottlenecks"`
	Suggestions          []string       `json:"suggestions"`
}

// Metrics is the cheap real-time view for dashboards and logging.
type Metrics struct {
	Elapsed         time.Duration `json:"elapsed"`
	MemoryBytes     uint64        `json:"memory_bytes"`
	NetworkRequests int64         `json:"network_requests"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
	ActiveStages    int           `json:"active_stages"`
	CompletedStages int           `json:"completed_stages"`
	Errors          int64         `json:"errors"`
}

// Monitor samples run-wide counters on a timer and aggregates per-stage
// telemetry. All record methods are O(1) map updates called by the
// orchestrator around stage callbacks; none of them block.
type Monitor struct {
	mu        sync.Mutex
	interval  time.Duration
	startedAt time.Time
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	stages    map[schema.StageID]*stageRecord
	history   []Snapshot
	recent    []Snapshot
	network   int64
	cacheHits int64
	cacheMiss int64
	errors    int64

	cacheThreshold float64

	readMem func() uint64 // swappable for tests
}

// NewMonitor creates a Monitor sampling at the given interval
// (DefaultSampleInterval when zero).
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{
		interval:       interval,
		stages:         make(map[schema.StageID]*stageRecord),
		cacheThreshold: lowCacheHitRate,
		readMem:        heapInUse,
	}
}

// SetCacheThreshold overrides the hit-rate floor below which the analysis
// suggests more aggressive caching. Values outside (0, 1] keep the default.
func (m *Monitor) SetCacheThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	m.mu.Lock()
	m.cacheThreshold = v
	m.mu.Unlock()
}

// StartMonitoring launches the periodic sampler. Idempotent.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.startedAt = time.Now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.sampleLoop(stop, done)
}

// StopMonitoring stops the sampler and waits for the loop to exit.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
}

func (m *Monitor) sampleLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.takeSnapshot()
		}
	}
}

func (m *Monitor) takeSnapshot() {
	mem := m.readMem()

	m.mu.Lock()
	defer m.mu.Unlock()

	active, completed := 0, 0
	for _, rec := range m.stages {
		if rec.completed {
			completed++
		} else if !rec.startedAt.IsZero() {
			active++
		}
	}

	snap := Snapshot{
		Elapsed:         time.Since(m.startedAt),
		MemoryBytes:     mem,
		NetworkRequests: m.network,
		CacheHits:       m.cacheHits,
		CacheMisses:     m.cacheMiss,
		ActiveStages:    active,
		CompletedStages: completed,
		TakenAt:         time.Now(),
	}

	m.history = append(m.history, snap)
	if len(m.history) > maxSnapshotHistory {
		m.history = m.history[len(m.history)-maxSnapshotHistory:]
	}
	m.recent = append(m.recent, snap)
	if len(m.recent) > recentWindowSize {
		m.recent = m.recent[len(m.recent)-recentWindowSize:]
	}
}

// RecordStageStart marks a stage as active.
func (m *Monitor) RecordStageStart(id schema.StageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	rec.startedAt = time.Now()
	rec.completed = false
}

// RecordStageCompletion records the stage's wall time and memory high-water
// mark at completion.
func (m *Monitor) RecordStageCompletion(id schema.StageID, duration time.Duration) {
	mem := m.readMem()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(id)
	rec.duration = duration
	rec.completed = true
	if mem > rec.peakMemory {
		rec.peakMemory = mem
	}
}

// RecordNetworkRequest attributes one network call to a stage.
func (m *Monitor) RecordNetworkRequest(id schema.StageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).networkRequests++
	m.network++
}

// RecordCacheHit increments the run-wide cache hit counter.
func (m *Monitor) RecordCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

// RecordCacheMiss increments the run-wide cache miss counter.
func (m *Monitor) RecordCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMiss++
}

// RecordError attributes one error to a stage.
func (m *Monitor) RecordError(id schema.StageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(id).errors++
	m.errors++
}

// Analysis computes the aggregate performance report. Safe to call before
// any data exists: returns a zero-valued Analysis.
func (m *Monitor) Analysis() Analysis {
	m.mu.Lock()
	defer m.mu.Unlock()

	var a Analysis

	// Stage duration stats over completed stages.
	type stageDur struct {
		id  schema.StageID
		rec *stageRecord
	}
	var completed []stageDur
	for id, rec := range m.stages {
		if rec.completed {
			completed = append(completed, stageDur{id, rec})
		}
	}

	if len(completed) > 0 {
		var total time.Duration
		fastest, slowest := completed[0], completed[0]
		for _, sd := range completed {
			total += sd.rec.duration
			if sd.rec.duration < fastest.rec.duration {
				fastest = sd
			}
			if sd.rec.duration > slowest.rec.duration {
				slowest = sd
			}
		}
		a.AverageStageDuration = total / time.Duration(len(completed))
		a.FastestStage, a.FastestDuration = fastest.id, fastest.rec.duration
		a.SlowestStage, a.SlowestDuration = slowest.id, slowest.rec.duration

		var netTotal int64
		for _, sd := range completed {
			netTotal += sd.rec.networkRequests
		}
		a.AvgNetworkPerStage = float64(netTotal) / float64(len(completed))
	}

	// Memory stats over snapshot history.
	if len(m.history) > 0 {
		var sum uint64
		for _, s := range m.history {
			sum += s.MemoryBytes
			if s.MemoryBytes > a.PeakMemoryBytes {
				a.PeakMemoryBytes = s.MemoryBytes
			}
		}
		a.AverageMemoryBytes = sum / uint64(len(m.history))
	}

	if lookups := m.cacheHits + m.cacheMiss; lookups > 0 {
		a.CacheHitRate = float64(m.cacheHits) / float64(lookups)
	}

	a.Bottlenecks = findBottlenecks(completedRecords(m.stages), a.AverageStageDuration)
	a.Suggestions = suggestFrom(a, m.cacheThreshold)

	return a
}

// RealTimeMetrics returns the current counters without computing the full
// analysis.
func (m *Monitor) RealTimeMetrics() Metrics {
	mem := m.readMem()
	m.mu.Lock()
	defer m.mu.Unlock()

	var elapsed time.Duration
	if !m.startedAt.IsZero() {
		elapsed = time.Since(m.startedAt)
	}

	active, completed := 0, 0
	for _, rec := range m.stages {
		if rec.completed {
			completed++
		} else if !rec.startedAt.IsZero() {
			active++
		}
	}

	metrics := Metrics{
		Elapsed:         elapsed,
		MemoryBytes:     mem,
		NetworkRequests: m.network,
		ActiveStages:    active,
		CompletedStages: completed,
		Errors:          m.errors,
	}
	if lookups := m.cacheHits + m.cacheMiss; lookups > 0 {
		metrics.CacheHitRate = float64(m.cacheHits) / float64(lookups)
	}
	return metrics
}

// Snapshots returns a copy of the retained snapshot history.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) record(id schema.StageID) *stageRecord {
	rec, ok := m.stages[id]
	if !ok {
		rec = &stageRecord{}
		m.stages[id] = rec
	}
	return rec
}

type namedRecord struct {
	id  schema.StageID
	rec stageRecord
}

func completedRecords(stages map[schema.StageID]*stageRecord) []namedRecord {
	var out []namedRecord
	for id, rec := range stages {
		if rec.completed {
			out = append(out, namedRecord{id, *rec})
		}
	}
	return out
}

// findBottlenecks flags stages that exceed the duration, memory, or network
// thresholds, ranked by severity (worst first).
func findBottlenecks(records []namedRecord, avgDuration time.Duration) []Bottleneck {
	var out []Bottleneck

	for _, nr := range records {
		if avgDuration > 0 {
			ratio := float64(nr.rec.duration) / float64(avgDuration)
			if ratio > slowStageFactor {
				out = append(out, Bottleneck{
					Stage:    nr.id,
					Reason:   "duration exceeds 2x stage average",
					Severity: ratio / slowStageFactor,
				})
			}
		}
		if nr.rec.peakMemory > highMemoryBytes {
			out = append(out, Bottleneck{
				Stage:    nr.id,
				Reason:   "peak memory above 100MB",
				Severity: float64(nr.rec.peakMemory) / float64(highMemoryBytes),
			})
		}
		if nr.rec.networkRequests > highNetworkCalls {
			out = append(out, Bottleneck{
				Stage:    nr.id,
				Reason:   "more than 10 network calls",
				Severity: float64(nr.rec.networkRequests) / float64(highNetworkCalls),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

// suggestFrom derives optimization suggestions mechanically from the report.
func suggestFrom(a Analysis, cacheThreshold float64) []string {
	var out []string
	if a.CacheHitRate > 0 && a.CacheHitRate < cacheThreshold {
		out = append(out, fmt.Sprintf(
			"cache hit rate below %.0f%%: cache more aggressively or warm the cache earlier", cacheThreshold*100))
	}
	for _, b := range a.Bottlenecks {
		switch b.Reason {
		case "duration exceeds 2x stage average":
			out = append(out, "stage "+string(b.Stage)+" dominates startup time: split it or defer non-essential work")
		case "peak memory above 100MB":
			out = append(out, "stage "+string(b.Stage)+" allocates heavily: stream or page its data")
		case "more than 10 network calls":
			out = append(out, "stage "+string(b.Stage)+" makes many network calls: batch requests")
		}
	}
	return out
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
