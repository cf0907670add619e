package diag

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/internal/perf"
	"github.com/crewline/bootstage/pkg/schema"
)

// Canned queries for common diagnostics sessions.
const (
	QueryStageTimeline = `.summary.stages | sort_by(.ended_at) | .[] | {stage, status}`
	QueryFailedStages  = `[.summary.stages[] | select(.status == "failed") | .stage]`
	QueryBottlenecks   = `.analysis.bottlenecks // [] | sort_by(-.severity)`
	QuerySuccessRate   = `.summary.success_rate`
)

// Source is what the reporter reads its diagnostic document from.
// Satisfied by the orchestrator.
type Source interface {
	Summary() *schema.ExecutionSummary
	Analysis() perf.Analysis
	Metrics() perf.Metrics
	Estimates(useHistoricalData bool) metadata.TimingEstimates
	Recommendations() []metadata.Recommendation
}

// Reporter answers ad-hoc jq queries over the run's diagnostic document:
// the execution summary, the performance analysis, timing estimates, and
// recommendations, merged into one JSON object.
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type Reporter struct {
	source Source

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewReporter creates a Reporter over the given source.
func NewReporter(source Source) *Reporter {
	return &Reporter{
		source: source,
		cache:  make(map[string]*gojq.Code),
	}
}

// Document assembles the current diagnostic document. All values are
// JSON-native (maps, slices, float64) so jq queries behave as they would
// against serialized output.
func (r *Reporter) Document() (map[string]any, error) {
	doc := map[string]any{
		"summary":         nil,
		"analysis":        nil,
		"metrics":         nil,
		"estimates":       nil,
		"recommendations": nil,
	}

	if s := r.source.Summary(); s != nil {
		v, err := toJSONValue(s)
		if err != nil {
			return nil, err
		}
		doc["summary"] = v
	}

	for key, src := range map[string]any{
		"analysis":        r.source.Analysis(),
		"metrics":         r.source.Metrics(),
		"estimates":       r.source.Estimates(true),
		"recommendations": r.source.Recommendations(),
	} {
		v, err := toJSONValue(src)
		if err != nil {
			return nil, err
		}
		doc[key] = v
	}

	return doc, nil
}

// Query compiles (or retrieves from cache) a jq expression and evaluates it
// against the current diagnostic document.
//
// jq expressions can produce multiple outputs. One output is returned
// directly; multiple outputs are collected into []any.
func (r *Reporter) Query(ctx context.Context, expression string) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := r.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	doc, err := r.Document()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "assemble diagnostic document").WithCause(err)
	}

	iter := code.RunWithContext(ctx, doc)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, qerr.Error()).
				WithCause(qerr).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled query or compiles and caches a new one.
func (r *Reporter) getOrCompile(expression string) (*gojq.Code, error) {
	r.mu.RLock()
	if code, ok := r.cache[expression]; ok {
		r.mu.RUnlock()
		return code, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := r.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	r.cache[expression] = code
	return code, nil
}

// toJSONValue round-trips a value through JSON so numbers become float64
// and structs become maps, matching gojq's expected input types.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
