package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore(context.Background(), "file:"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func stageResult(id schema.StageID, status schema.StageStatus, start time.Time, d time.Duration, errText string) schema.StageExecutionResult {
	return schema.StageExecutionResult{
		Stage:     id,
		Status:    status,
		StartedAt: start,
		EndedAt:   start.Add(d),
		Error:     errText,
	}
}

func TestSaveAndListStageRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveStageRun(ctx, stageResult("job_feed", schema.StageStatusCompleted, base, 2*time.Second, "")))
	require.NoError(t, s.SaveStageRun(ctx, stageResult("job_feed", schema.StageStatusFailed, base.Add(time.Minute), time.Second, "timeout")))
	require.NoError(t, s.SaveStageRun(ctx, stageResult("auth_session", schema.StageStatusCompleted, base.Add(2*time.Minute), 500*time.Millisecond, "")))

	runs, err := s.ListStageRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	// Newest first.
	assert.Equal(t, schema.StageID("auth_session"), runs[0].Stage)

	// Stage filter.
	runs, err = s.ListStageRuns(ctx, RunFilter{Stage: "job_feed"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, schema.StageStatusFailed, runs[0].Status)
	assert.Equal(t, "timeout", runs[0].Error)
	assert.Equal(t, int64(1000), runs[0].DurationMs)

	// Status filter.
	failed := schema.StageStatusFailed
	runs, err = s.ListStageRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// Since + limit.
	since := base.Add(90 * time.Second)
	runs, err = s.ListStageRuns(ctx, RunFilter{Since: &since, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.StageID("auth_session"), runs[0].Stage)
}

func TestPruneStageRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveStageRun(ctx,
			stageResult("job_feed", schema.StageStatusCompleted, base.Add(time.Duration(i)*time.Minute), time.Second, "")))
	}
	require.NoError(t, s.SaveStageRun(ctx, stageResult("auth_session", schema.StageStatusCompleted, base, time.Second, "")))

	require.NoError(t, s.PruneStageRuns(ctx, 2))

	runs, err := s.ListStageRuns(ctx, RunFilter{Stage: "job_feed"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// The newest rows survive.
	assert.Equal(t, base.Add(4*time.Minute), runs[0].StartedAt.UTC())

	// Other stages keep their rows.
	runs, err = s.ListStageRuns(ctx, RunFilter{Stage: "auth_session"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStageStatsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats := map[schema.StageID]metadata.StageStats{
		"job_feed":     {AverageDuration: 2100 * time.Millisecond, SuccessRate: 0.85, SampleCount: 20},
		"auth_session": {AverageDuration: 700 * time.Millisecond, SuccessRate: 1.0, SampleCount: 12},
	}
	require.NoError(t, s.SaveStageStats(ctx, stats))

	loaded, err := s.LoadStageStats(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, 2100*time.Millisecond, loaded["job_feed"].AverageDuration)
	assert.InDelta(t, 0.85, loaded["job_feed"].SuccessRate, 1e-9)
	assert.Equal(t, 20, loaded["job_feed"].SampleCount)

	// Upsert replaces the aggregate.
	stats["job_feed"] = metadata.StageStats{AverageDuration: 1900 * time.Millisecond, SuccessRate: 0.9, SampleCount: 25}
	require.NoError(t, s.SaveStageStats(ctx, stats))

	loaded, err = s.LoadStageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1900*time.Millisecond, loaded["job_feed"].AverageDuration)
	assert.Equal(t, 25, loaded["job_feed"].SampleCount)
}

func TestResetStageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveStageStats(ctx, map[schema.StageID]metadata.StageStats{
		"job_feed": {AverageDuration: time.Second, SuccessRate: 1.0, SampleCount: 3},
	}))
	require.NoError(t, s.ResetStageStats(ctx))

	loaded, err := s.LoadStageStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadStageStats_EmptyDatabase(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadStageStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSchemaInit_Idempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewLibSQLStore(ctx, "file:"+dbPath)
	require.NoError(t, err)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveStageRun(ctx, stageResult("job_feed", schema.StageStatusCompleted, base, time.Second, "")))
	require.NoError(t, s.Close())

	// Reopening runs schema init again; existing rows survive.
	s, err = NewLibSQLStore(ctx, "file:"+dbPath)
	require.NoError(t, err)
	defer s.Close()

	runs, err := s.ListStageRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSchemaStatements_DropsComments(t *testing.T) {
	script := "-- stage runs\nCREATE TABLE IF NOT EXISTS a (id INTEGER);\n\n-- only a comment here;\nCREATE INDEX IF NOT EXISTS idx_a ON a (id);\n"
	stmts := schemaStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS a (id INTEGER)", stmts[0])
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS idx_a ON a (id)", stmts[1])
}
