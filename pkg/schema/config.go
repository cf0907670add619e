package schema

import "time"

// Strategy selects how the orchestrator walks the dependency graph.
//
// Sequential, Parallel, Adaptive and CriticalOnly are the four concrete
// execution modes. Minimal, HomeLocalFirst and Comprehensive are accepted
// profile names carried over from earlier app builds: they resolve to a
// concrete mode before execution (see ResolveProfile) and never reach the
// level walker themselves.
type Strategy string

const (
	StrategySequential     Strategy = "sequential"
	StrategyParallel       Strategy = "parallel"
	StrategyAdaptive       Strategy = "adaptive"
	StrategyCriticalOnly   Strategy = "critical_only"
	StrategyMinimal        Strategy = "minimal"
	StrategyHomeLocalFirst Strategy = "home_local_first"
	StrategyComprehensive  Strategy = "comprehensive"
)

// IsValid reports whether s is a recognized strategy value.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyAdaptive, StrategyCriticalOnly,
		StrategyMinimal, StrategyHomeLocalFirst, StrategyComprehensive:
		return true
	}
	return false
}

// ResolveProfile maps profile aliases onto a concrete execution mode.
// Concrete modes resolve to themselves.
func (s Strategy) ResolveProfile() Strategy {
	switch s {
	case StrategyMinimal:
		return StrategyCriticalOnly
	case StrategyHomeLocalFirst, StrategyComprehensive:
		return StrategyParallel
	default:
		return s
	}
}

// Config holds orchestrator-level options. Zero values are replaced with
// the defaults from DefaultConfig at construction.
type Config struct {
	DefaultStrategy                Strategy      `json:"default_strategy"`
	Timeout                        time.Duration `json:"timeout"`
	MaxRetries                     int           `json:"max_retries"`
	EnablePerformanceMonitoring    bool          `json:"enable_performance_monitoring"`
	EnableErrorRecovery            bool          `json:"enable_error_recovery"`
	EnableProgressTracking         bool          `json:"enable_progress_tracking"`
	MaxParallelStages              int           `json:"max_parallel_stages"`
	CacheThreshold                 float64       `json:"cache_threshold"`
	EnableBackgroundInitialization bool          `json:"enable_background_initialization"`
}

// DefaultConfig returns the configuration used when the embedding app
// provides nothing.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:                StrategyAdaptive,
		Timeout:                        30 * time.Second,
		MaxRetries:                     3,
		EnablePerformanceMonitoring:    true,
		EnableErrorRecovery:            true,
		EnableProgressTracking:         true,
		MaxParallelStages:              4,
		CacheThreshold:                 0.5,
		EnableBackgroundInitialization: true,
	}
}
