package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewline/bootstage/pkg/schema"
)

func TestParse_EmptyInputYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultConfig(), cfg)
}

func TestParse_MergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"default_strategy": "sequential",
		"timeout": "45s",
		"max_parallel_stages": 2
	}`))
	require.NoError(t, err)

	assert.Equal(t, schema.StrategySequential, cfg.DefaultStrategy)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.MaxParallelStages)

	// Absent fields keep their defaults.
	defaults := schema.DefaultConfig()
	assert.Equal(t, defaults.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, defaults.EnableErrorRecovery, cfg.EnableErrorRecovery)
	assert.Equal(t, defaults.CacheThreshold, cfg.CacheThreshold)
}

func TestParse_ExplicitFalseOverridesDefaultTrue(t *testing.T) {
	cfg, err := Parse([]byte(`{"enable_progress_tracking": false, "enable_background_initialization": false}`))
	require.NoError(t, err)
	assert.False(t, cfg.EnableProgressTracking)
	assert.False(t, cfg.EnableBackgroundInitialization)
}

func TestParse_ProfileAliasesAccepted(t *testing.T) {
	cfg, err := Parse([]byte(`{"default_strategy": "minimal"}`))
	require.NoError(t, err)
	assert.Equal(t, schema.StrategyMinimal, cfg.DefaultStrategy)
	assert.Equal(t, schema.StrategyCriticalOnly, cfg.DefaultStrategy.ResolveProfile())
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"default_strategy":`},
		{"unknown strategy", `{"default_strategy": "warp_speed"}`},
		{"bad duration format", `{"timeout": "soon"}`},
		{"negative retries", `{"max_retries": -1}`},
		{"zero parallel stages", `{"max_parallel_stages": 0}`},
		{"cache threshold above one", `{"cache_threshold": 1.5}`},
		{"unknown field", `{"enable_turbo": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			var serr *schema.StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, schema.ErrCodeConfig, serr.Code)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bootstage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default_strategy": "parallel", "timeout": "1m"}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, schema.StrategyParallel, cfg.DefaultStrategy)
	assert.Equal(t, time.Minute, cfg.Timeout)
}

func TestLoadFile_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultConfig(), cfg)
}
