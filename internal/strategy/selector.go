package strategy

import (
	"context"
	"log/slog"

	"github.com/crewline/bootstage/pkg/schema"
)

// RuntimeContext captures the device, network, and app conditions the
// adaptive strategy selector evaluates its rules against. Callers populate
// it at startup from whatever platform probes they have available; zero
// values mean "unknown, assume healthy".
type RuntimeContext struct {
	// App-level flags.
	ForcedRefresh bool
	FirstRun      bool

	// Device conditions.
	ColdStart    bool
	LowMemory    bool
	BatterySaver bool

	// Network conditions. Quality is one of "good", "poor", "offline";
	// empty means unknown.
	NetworkQuality string
	Metered        bool

	// Historical carries per-stage stats from previous runs, keyed by
	// stage ID. Values are maps with avg_ms, success_rate, samples.
	Historical map[string]any
}

// Env builds the rule evaluation environment. Both engines see the same
// shape: four nested maps named device, network, app, and historical.
func (rc RuntimeContext) Env() map[string]any {
	historical := rc.Historical
	if historical == nil {
		historical = map[string]any{}
	}

	return map[string]any{
		"app": map[string]any{
			"forced_refresh": rc.ForcedRefresh,
			"first_run":      rc.FirstRun,
		},
		"device": map[string]any{
			"cold_start":    rc.ColdStart,
			"low_memory":    rc.LowMemory,
			"battery_saver": rc.BatterySaver,
		},
		"network": map[string]any{
			"quality": rc.NetworkQuality,
			"metered": rc.Metered,
		},
		"historical": historical,
	}
}

// Rule maps a boolean condition over the runtime environment to a strategy.
// Rules are evaluated in order; the first rule whose condition holds wins.
type Rule struct {
	Name     string
	Engine   string // "expr" or "cel"; empty defaults to "expr"
	When     string
	Strategy schema.Strategy
}

// DefaultRules returns the built-in rule set. Conditions degrade toward
// lighter strategies: a forced refresh serializes the run so remote fetches
// do not race local cache rebuilds, constrained devices and offline
// networks drop to critical-only, and everything else runs parallel via
// the selector fallback.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "forced-refresh",
			When:     `app.forced_refresh`,
			Strategy: schema.StrategySequential,
		},
		{
			Name:     "constrained-device",
			When:     `device.low_memory || device.battery_saver`,
			Strategy: schema.StrategyCriticalOnly,
		},
		{
			Name:     "offline",
			When:     `network.quality == "offline"`,
			Strategy: schema.StrategyCriticalOnly,
		},
		{
			Name:     "degraded-network",
			When:     `network.quality == "poor"`,
			Strategy: schema.StrategySequential,
		},
	}
}

// Selector picks an execution strategy by evaluating an ordered rule set
// against the runtime context. A rule that fails to evaluate is skipped
// with a warning rather than failing the run.
type Selector struct {
	engines  map[string]Engine
	rules    []Rule
	fallback schema.Strategy
	logger   *slog.Logger
}

// NewSelector creates a selector over the given rules. A nil or empty rule
// slice installs DefaultRules. The fallback strategy applies when no rule
// matches.
func NewSelector(rules []Rule, fallback schema.Strategy, logger *slog.Logger) (*Selector, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if !fallback.IsValid() {
		fallback = schema.StrategyParallel
	}
	if logger == nil {
		logger = slog.Default()
	}

	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Selector{
		engines: map[string]Engine{
			"expr": NewExprEngine(),
			"cel":  celEngine,
		},
		rules:    rules,
		fallback: fallback,
		logger:   logger,
	}, nil
}

// Select evaluates the rules in order and returns the strategy of the first
// matching rule, or the fallback when none match.
func (s *Selector) Select(ctx context.Context, rc RuntimeContext) schema.Strategy {
	env := rc.Env()

	for _, rule := range s.rules {
		engineName := rule.Engine
		if engineName == "" {
			engineName = "expr"
		}

		engine, ok := s.engines[engineName]
		if !ok {
			s.logger.WarnContext(ctx, "unknown rule engine, skipping rule",
				slog.String("rule", rule.Name),
				slog.String("engine", engineName))
			continue
		}

		out, err := engine.Evaluate(ctx, rule.When, env)
		if err != nil {
			s.logger.WarnContext(ctx, "strategy rule evaluation failed, skipping rule",
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()))
			continue
		}

		if matched, ok := out.(bool); ok && matched {
			s.logger.DebugContext(ctx, "strategy rule matched",
				slog.String("rule", rule.Name),
				slog.String("strategy", string(rule.Strategy)))
			return rule.Strategy.ResolveProfile()
		}
	}

	return s.fallback.ResolveProfile()
}
