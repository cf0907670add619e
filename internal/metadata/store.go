package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/crewline/bootstage/internal/graph"
	"github.com/crewline/bootstage/pkg/schema"
)

// maxHistoryEntries bounds the retained execution history.
const maxHistoryEntries = 1000

// Recommendation thresholds.
const (
	lowSuccessRate    = 0.9
	slowObservedRatio = 1.5
)

// Archive persists learned per-stage statistics across app launches.
// Implemented by store.LibSQLStore. All calls are best-effort: the store
// swallows archive errors rather than surface them to the orchestrator.
type Archive interface {
	LoadStageStats(ctx context.Context) (map[schema.StageID]StageStats, error)
	SaveStageStats(ctx context.Context, stats map[schema.StageID]StageStats) error
	SaveStageRun(ctx context.Context, result schema.StageExecutionResult) error
}

// StageStats is the learned aggregate persisted per stage.
type StageStats struct {
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
	SampleCount     int           `json:"sample_count"`
}

// TimingEstimates compares sequential and parallel execution cost.
type TimingEstimates struct {
	Sequential time.Duration `json:"sequential"`
	Parallel   time.Duration `json:"parallel"`
	Speedup    float64       `json:"speedup"`
}

// Recommendation flags a stage worth operator attention.
type Recommendation struct {
	Stage  schema.StageID `json:"stage"`
	Reason string         `json:"reason"`
}

// Store owns per-stage metadata: static policies seeded from the registry
// and learned timing/success statistics updated after each execution. Reads
// never fail; unseen stages get freshly-defaulted metadata.
type Store struct {
	mu       sync.Mutex
	meta     map[schema.StageID]*schema.StageMetadata
	history  []schema.StageExecutionResult
	perStage map[schema.StageID][]schema.StageExecutionResult
	retries  *int    // configured retry budget, nil = policy default
	archive  Archive // nil = in-memory only
}

// NewStore seeds metadata for every stage in the registry. When an archive
// is provided, previously learned stats are loaded immediately; load errors
// leave the defaults in place.
func NewStore(stages []schema.StageDescriptor, archive Archive) *Store {
	s := &Store{
		meta:     make(map[schema.StageID]*schema.StageMetadata, len(stages)),
		perStage: make(map[schema.StageID][]schema.StageExecutionResult),
		archive:  archive,
	}
	for _, d := range stages {
		s.meta[d.ID] = defaultMetadata(d)
	}

	if archive != nil {
		if stats, err := archive.LoadStageStats(context.Background()); err == nil {
			s.mu.Lock()
			for id, st := range stats {
				if m, ok := s.meta[id]; ok && st.SampleCount > 0 {
					avg := st.AverageDuration
					m.AverageDuration = &avg
					m.SuccessRate = st.SuccessRate
					m.SampleCount = st.SampleCount
				}
			}
			s.mu.Unlock()
		}
	}
	return s
}

// SetRetryBudget overrides MaxRetries on every stage's retry policy. The
// orchestrator applies the configured budget here so per-stage policies
// inherit it; zero disables retries entirely.
func (s *Store) SetRetryBudget(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = &n
	for _, m := range s.meta {
		m.Retry.MaxRetries = n
	}
}

// GetMetadata returns the metadata for a stage. Never fails: unknown stages
// get a freshly-defaulted record keyed by the requested ID.
func (s *Store) GetMetadata(id schema.StageID) schema.StageMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.metaLocked(id)
	return out
}

// CheckpointsFor returns the checkpoint ladder attached to a stage's
// metadata, lowest percentage first. Stages without checkpoints return nil.
func (s *Store) CheckpointsFor(id schema.StageID) []schema.ProgressCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.metaLocked(id).ProgressCheckpoints
	if len(cps) == 0 {
		return nil
	}
	out := make([]schema.ProgressCheckpoint, len(cps))
	copy(out, cps)
	return out
}

// metaLocked returns the record for a stage, seeding it on first sight.
// Callers hold s.mu.
func (s *Store) metaLocked(id schema.StageID) *schema.StageMetadata {
	m, ok := s.meta[id]
	if !ok {
		d, _ := schema.Describe(id)
		d.ID = id
		m = defaultMetadata(d)
		if s.retries != nil {
			m.Retry.MaxRetries = *s.retries
		}
		s.meta[id] = m
	}
	return m
}

// RecordExecution appends a result to the bounded history and refreshes the
// stage's rolling average duration and success rate (arithmetic mean over
// the retained history). Persistence to the archive is best-effort.
func (s *Store) RecordExecution(result schema.StageExecutionResult) {
	s.mu.Lock()

	s.history = append(s.history, result)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}

	runs := append(s.perStage[result.Stage], result)
	if len(runs) > maxHistoryEntries {
		runs = runs[len(runs)-maxHistoryEntries:]
	}
	s.perStage[result.Stage] = runs

	m := s.metaLocked(result.Stage)

	var total time.Duration
	succeeded := 0
	for _, r := range runs {
		total += r.Duration()
		if r.Status == schema.StageStatusCompleted {
			succeeded++
		}
	}
	avg := total / time.Duration(len(runs))
	m.AverageDuration = &avg
	m.SuccessRate = float64(succeeded) / float64(len(runs))
	m.SampleCount = len(runs)

	s.mu.Unlock()

	if s.archive != nil {
		_ = s.archive.SaveStageRun(context.Background(), result)
	}
}

// Flush writes the learned aggregates to the archive, if any.
func (s *Store) Flush(ctx context.Context) {
	if s.archive == nil {
		return
	}

	s.mu.Lock()
	stats := make(map[schema.StageID]StageStats, len(s.meta))
	for id, m := range s.meta {
		if m.SampleCount == 0 {
			continue
		}
		st := StageStats{SuccessRate: m.SuccessRate, SampleCount: m.SampleCount}
		if m.AverageDuration != nil {
			st.AverageDuration = *m.AverageDuration
		}
		stats[id] = st
	}
	s.mu.Unlock()

	_ = s.archive.SaveStageStats(ctx, stats)
}

// EstimateFor returns the best duration estimate for a stage: the learned
// average when available, otherwise the static registry estimate.
func (s *Store) EstimateFor(id schema.StageID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.meta[id]; ok && m.AverageDuration != nil {
		return *m.AverageDuration
	}
	if d, ok := schema.Describe(id); ok {
		return d.EstimatedDuration
	}
	return 0
}

// TimingEstimates computes the expected sequential duration (sum of all
// stages), the parallel duration (sum over levels of each level's slowest
// stage), and the speedup ratio. With useHistoricalData, learned averages
// replace static estimates where available.
func (s *Store) TimingEstimates(g *graph.Graph, useHistoricalData bool) TimingEstimates {
	s.mu.Lock()
	defer s.mu.Unlock()

	estimate := func(id schema.StageID) time.Duration {
		if useHistoricalData {
			if m, ok := s.meta[id]; ok && m.AverageDuration != nil {
				return *m.AverageDuration
			}
		}
		return g.Stages[id].EstimatedDuration
	}

	var sequential, parallel time.Duration
	for _, level := range g.Levels {
		var slowest time.Duration
		for _, id := range level {
			est := estimate(id)
			sequential += est
			if est > slowest {
				slowest = est
			}
		}
		parallel += slowest
	}

	est := TimingEstimates{Sequential: sequential, Parallel: parallel}
	if parallel > 0 {
		est.Speedup = float64(sequential) / float64(parallel)
	}
	return est
}

// Recommendations flags stages with a low historical success rate (worth
// prioritizing for reliability work) and stages whose observed average
// exceeds the static estimate by more than half (worth optimizing).
func (s *Store) Recommendations() []Recommendation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []Recommendation
	for _, d := range schema.AllStages() {
		m, ok := s.meta[d.ID]
		if !ok || m.SampleCount == 0 {
			continue
		}
		if m.SuccessRate < lowSuccessRate {
			recs = append(recs, Recommendation{
				Stage:  d.ID,
				Reason: "success rate below 90%, prioritize reliability",
			})
		}
		if m.AverageDuration != nil && d.EstimatedDuration > 0 &&
			float64(*m.AverageDuration) > slowObservedRatio*float64(d.EstimatedDuration) {
			recs = append(recs, Recommendation{
				Stage:  d.ID,
				Reason: "observed duration exceeds estimate by more than 1.5x, optimize",
			})
		}
	}
	return recs
}

// History returns a copy of the retained execution history for a stage.
func (s *Store) History(id schema.StageID) []schema.StageExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.StageExecutionResult, len(s.perStage[id]))
	copy(out, s.perStage[id])
	return out
}

func defaultMetadata(d schema.StageDescriptor) *schema.StageMetadata {
	return &schema.StageMetadata{
		Stage:               d.ID,
		Retry:               schema.DefaultRetryPolicy(),
		Timeout:             schema.DefaultTimeoutPolicy(d.EstimatedDuration),
		ProgressCheckpoints: stageCheckpoints[d.ID],
	}
}

// stageCheckpoints narrates sub-stage progress for stages long enough to
// warrant it. Crossing a checkpoint surfaces its message on the splash
// screen via the progress tracker.
var stageCheckpoints = map[schema.StageID][]schema.ProgressCheckpoint{
	schema.StageAuthSession: {
		{Percent: 30, Message: "restoring session"},
		{Percent: 70, Message: "refreshing tokens"},
	},
	schema.StageUserProfile: {
		{Percent: 40, Message: "loading profile"},
		{Percent: 80, Message: "applying preferences"},
	},
	schema.StageCrewDirectory: {
		{Percent: 50, Message: "syncing crew directory"},
	},
	schema.StageJobFeed: {
		{Percent: 40, Message: "fetching job listings"},
		{Percent: 80, Message: "warming feed cache"},
	},
	schema.StageContractorIndex: {
		{Percent: 50, Message: "indexing contractors"},
	},
	schema.StageMessaging: {
		{Percent: 50, Message: "connecting message channels"},
	},
}
