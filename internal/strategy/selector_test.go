package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelector_DefaultRules(t *testing.T) {
	s, err := NewSelector(nil, schema.StrategyParallel, quietLogger())
	require.NoError(t, err)

	tests := []struct {
		name string
		rc   RuntimeContext
		want schema.Strategy
	}{
		{
			name: "healthy conditions fall through to the fallback",
			rc:   RuntimeContext{NetworkQuality: "good"},
			want: schema.StrategyParallel,
		},
		{
			name: "forced refresh serializes the run",
			rc:   RuntimeContext{ForcedRefresh: true},
			want: schema.StrategySequential,
		},
		{
			name: "low memory drops to critical only",
			rc:   RuntimeContext{LowMemory: true},
			want: schema.StrategyCriticalOnly,
		},
		{
			name: "battery saver drops to critical only",
			rc:   RuntimeContext{BatterySaver: true},
			want: schema.StrategyCriticalOnly,
		},
		{
			name: "offline drops to critical only",
			rc:   RuntimeContext{NetworkQuality: "offline"},
			want: schema.StrategyCriticalOnly,
		},
		{
			name: "poor network serializes the run",
			rc:   RuntimeContext{NetworkQuality: "poor"},
			want: schema.StrategySequential,
		},
		{
			name: "forced refresh wins over network conditions",
			rc:   RuntimeContext{ForcedRefresh: true, NetworkQuality: "poor"},
			want: schema.StrategySequential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Select(context.Background(), tt.rc))
		})
	}
}

func TestSelector_CustomRulesAndProfileResolution(t *testing.T) {
	rules := []Rule{
		{
			Name:     "first-run-comprehensive",
			When:     `app.first_run`,
			Strategy: schema.StrategyComprehensive,
		},
		{
			Name:     "metered-minimal",
			When:     `network.metered`,
			Strategy: schema.StrategyMinimal,
		},
	}
	s, err := NewSelector(rules, schema.StrategySequential, quietLogger())
	require.NoError(t, err)

	// Profile aliases resolve to concrete modes before leaving the selector.
	got := s.Select(context.Background(), RuntimeContext{FirstRun: true})
	assert.Equal(t, schema.StrategyParallel, got)

	got = s.Select(context.Background(), RuntimeContext{Metered: true})
	assert.Equal(t, schema.StrategyCriticalOnly, got)

	got = s.Select(context.Background(), RuntimeContext{})
	assert.Equal(t, schema.StrategySequential, got)
}

func TestSelector_CELRules(t *testing.T) {
	rules := []Rule{
		{
			Name:     "offline-cel",
			Engine:   "cel",
			When:     `network.quality == "offline"`,
			Strategy: schema.StrategyCriticalOnly,
		},
	}
	s, err := NewSelector(rules, schema.StrategyParallel, quietLogger())
	require.NoError(t, err)

	got := s.Select(context.Background(), RuntimeContext{NetworkQuality: "offline"})
	assert.Equal(t, schema.StrategyCriticalOnly, got)

	got = s.Select(context.Background(), RuntimeContext{NetworkQuality: "good"})
	assert.Equal(t, schema.StrategyParallel, got)
}

func TestSelector_BrokenRuleIsSkipped(t *testing.T) {
	rules := []Rule{
		{
			Name:     "broken",
			When:     `this is not a valid expression ((`,
			Strategy: schema.StrategySequential,
		},
		{
			Name:     "unknown-engine",
			Engine:   "lua",
			When:     `true`,
			Strategy: schema.StrategySequential,
		},
		{
			Name:     "works",
			When:     `device.cold_start`,
			Strategy: schema.StrategyCriticalOnly,
		},
	}
	s, err := NewSelector(rules, schema.StrategyParallel, quietLogger())
	require.NoError(t, err)

	got := s.Select(context.Background(), RuntimeContext{ColdStart: true})
	assert.Equal(t, schema.StrategyCriticalOnly, got)
}

func TestSelector_InvalidFallbackDefaultsToParallel(t *testing.T) {
	s, err := NewSelector(nil, schema.Strategy("bogus"), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, schema.StrategyParallel, s.Select(context.Background(), RuntimeContext{}))
}
