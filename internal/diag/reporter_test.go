package diag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/internal/perf"
	"github.com/crewline/bootstage/pkg/schema"
)

// fakeSource serves a fixed diagnostic document.
type fakeSource struct {
	summary *schema.ExecutionSummary
}

func (f *fakeSource) Summary() *schema.ExecutionSummary { return f.summary }

func (f *fakeSource) Analysis() perf.Analysis {
	return perf.Analysis{
		SlowestStage:    "job_feed",
		SlowestDuration: 2 * time.Second,
		Bottlenecks: []perf.Bottleneck{
			{Stage: "crew_directory", Reason: "more than 10 network calls", Severity: 1.4},
			{Stage: "job_feed", Reason: "duration exceeds 2x stage average", Severity: 2.1},
		},
	}
}

func (f *fakeSource) Metrics() perf.Metrics {
	return perf.Metrics{CompletedStages: 3, NetworkRequests: 14}
}

func (f *fakeSource) Estimates(bool) metadata.TimingEstimates {
	return metadata.TimingEstimates{
		Sequential: 8 * time.Second,
		Parallel:   5 * time.Second,
		Speedup:    1.6,
	}
}

func (f *fakeSource) Recommendations() []metadata.Recommendation {
	return []metadata.Recommendation{
		{Stage: "job_feed", Reason: "success rate below 90%, prioritize reliability"},
	}
}

func testSource() *fakeSource {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeSource{
		summary: &schema.ExecutionSummary{
			RunID:       "run-1",
			Status:      schema.RunStatusCompleted,
			Strategy:    schema.StrategyParallel,
			TotalStages: 3,
			Completed:   2,
			Failed:      1,
			SuccessRate: 2.0 / 3.0,
			Stages: []schema.StageExecutionResult{
				{Stage: "core_services", Status: schema.StageStatusCompleted, StartedAt: started, EndedAt: started.Add(300 * time.Millisecond)},
				{Stage: "auth_session", Status: schema.StageStatusCompleted, StartedAt: started, EndedAt: started.Add(time.Second)},
				{Stage: "job_feed", Status: schema.StageStatusFailed, StartedAt: started, EndedAt: started.Add(2 * time.Second), Error: "timeout"},
			},
		},
	}
}

func TestReporter_DocumentHasAllSections(t *testing.T) {
	r := NewReporter(testSource())

	doc, err := r.Document()
	require.NoError(t, err)

	for _, key := range []string{"summary", "analysis", "metrics", "estimates", "recommendations"} {
		assert.Contains(t, doc, key)
		assert.NotNil(t, doc[key], key)
	}

	// Values are JSON-native after the round trip.
	summary, ok := doc["summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", summary["run_id"])
}

func TestReporter_Query(t *testing.T) {
	r := NewReporter(testSource())
	ctx := context.Background()

	out, err := r.Query(ctx, `.summary.run_id`)
	require.NoError(t, err)
	assert.Equal(t, "run-1", out)

	out, err = r.Query(ctx, QuerySuccessRate)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, out.(float64), 1e-9)

	out, err = r.Query(ctx, QueryFailedStages)
	require.NoError(t, err)
	assert.Equal(t, []any{"job_feed"}, out)

	// Bottlenecks come back sorted by severity, worst first.
	out, err = r.Query(ctx, QueryBottlenecks)
	require.NoError(t, err)
	ranked, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, ranked, 2)
	first := ranked[0].(map[string]any)
	assert.Equal(t, "job_feed", first["stage"])
}

func TestReporter_QueryStageTimeline(t *testing.T) {
	src := testSource()
	// Declaration order differs from completion order; the timeline query
	// sorts by ended_at.
	st := src.summary.Stages
	st[0], st[2] = st[2], st[0]

	r := NewReporter(src)
	out, err := r.Query(context.Background(), QueryStageTimeline)
	require.NoError(t, err)

	rows, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, rows, 3)
	var order []string
	for _, row := range rows {
		order = append(order, row.(map[string]any)["stage"].(string))
	}
	assert.Equal(t, []string{"core_services", "auth_session", "job_feed"}, order)
}

func TestReporter_QueryMultipleOutputs(t *testing.T) {
	r := NewReporter(testSource())

	out, err := r.Query(context.Background(), `.summary.stages[] | .stage`)
	require.NoError(t, err)
	assert.Equal(t, []any{"core_services", "auth_session", "job_feed"}, out)
}

func TestReporter_QueryErrors(t *testing.T) {
	r := NewReporter(testSource())
	ctx := context.Background()

	var serr *schema.StageError

	_, err := r.Query(ctx, "")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)

	_, err = r.Query(ctx, `.summary |`)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
	assert.Equal(t, ".summary |", serr.Details["expression"])

	// Runtime errors surface as execution failures.
	_, err = r.Query(ctx, `.summary.run_id + 1`)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeExecution, serr.Code)
}

func TestReporter_EnvironAccessIsSandboxed(t *testing.T) {
	t.Setenv("BOOTSTAGE_SECRET", "hunter2")
	r := NewReporter(testSource())

	out, err := r.Query(context.Background(), `env.BOOTSTAGE_SECRET`)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReporter_CachesCompiledQueries(t *testing.T) {
	r := NewReporter(testSource())
	ctx := context.Background()

	_, err := r.Query(ctx, QuerySuccessRate)
	require.NoError(t, err)
	_, err = r.Query(ctx, QuerySuccessRate)
	require.NoError(t, err)

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Len(t, r.cache, 1)
}

func TestReporter_NilSummary(t *testing.T) {
	r := NewReporter(&fakeSource{})

	doc, err := r.Document()
	require.NoError(t, err)
	assert.Nil(t, doc["summary"])

	out, err := r.Query(context.Background(), `.summary`)
	require.NoError(t, err)
	assert.Nil(t, out)
}
