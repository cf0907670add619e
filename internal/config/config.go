package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/crewline/bootstage/pkg/schema"
)

// configSchemaJSON is the JSON Schema for orchestrator configuration files.
// Embedded as a constant to avoid filesystem dependencies.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://crewline.dev/schemas/bootstage-config.json",
  "type": "object",
  "properties": {
    "default_strategy": {
      "type": "string",
      "enum": ["sequential", "parallel", "adaptive", "critical_only", "minimal", "home_local_first", "comprehensive"]
    },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "max_retries": {
      "type": "integer",
      "minimum": 0
    },
    "enable_performance_monitoring": { "type": "boolean" },
    "enable_error_recovery": { "type": "boolean" },
    "enable_progress_tracking": { "type": "boolean" },
    "max_parallel_stages": {
      "type": "integer",
      "minimum": 1
    },
    "cache_threshold": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    },
    "enable_background_initialization": { "type": "boolean" }
  },
  "additionalProperties": false
}`

// fileConfig is the wire form of a configuration file. Durations are
// strings, and absent fields stay nil so defaults survive the merge.
type fileConfig struct {
	DefaultStrategy                *string  `json:"default_strategy"`
	Timeout                        *string  `json:"timeout"`
	MaxRetries                     *int     `json:"max_retries"`
	EnablePerformanceMonitoring    *bool    `json:"enable_performance_monitoring"`
	EnableErrorRecovery            *bool    `json:"enable_error_recovery"`
	EnableProgressTracking         *bool    `json:"enable_progress_tracking"`
	MaxParallelStages              *int     `json:"max_parallel_stages"`
	CacheThreshold                 *float64 `json:"cache_threshold"`
	EnableBackgroundInitialization *bool    `json:"enable_background_initialization"`
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("bootstage: unmarshal config schema: %v", err))
	}
	if err := c.AddResource("https://crewline.dev/schemas/bootstage-config.json", doc); err != nil {
		panic(fmt.Sprintf("bootstage: add config schema resource: %v", err))
	}
	s, err := c.Compile("https://crewline.dev/schemas/bootstage-config.json")
	if err != nil {
		panic(fmt.Sprintf("bootstage: compile config schema: %v", err))
	}
	return s
}

// Parse validates raw JSON against the config schema and merges it over
// DefaultConfig. Absent fields keep their default values.
func Parse(raw []byte) (schema.Config, error) {
	cfg := schema.DefaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return cfg, schema.NewError(schema.ErrCodeConfig, "config is not valid JSON").WithCause(err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return cfg, toConfigError(err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return cfg, schema.NewError(schema.ErrCodeConfig, "unmarshal config").WithCause(err)
	}

	if fc.DefaultStrategy != nil {
		cfg.DefaultStrategy = schema.Strategy(*fc.DefaultStrategy)
	}
	if fc.Timeout != nil {
		d, perr := time.ParseDuration(*fc.Timeout)
		if perr != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "invalid timeout %q", *fc.Timeout).WithCause(perr)
		}
		cfg.Timeout = d
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}
	if fc.EnablePerformanceMonitoring != nil {
		cfg.EnablePerformanceMonitoring = *fc.EnablePerformanceMonitoring
	}
	if fc.EnableErrorRecovery != nil {
		cfg.EnableErrorRecovery = *fc.EnableErrorRecovery
	}
	if fc.EnableProgressTracking != nil {
		cfg.EnableProgressTracking = *fc.EnableProgressTracking
	}
	if fc.MaxParallelStages != nil {
		cfg.MaxParallelStages = *fc.MaxParallelStages
	}
	if fc.CacheThreshold != nil {
		cfg.CacheThreshold = *fc.CacheThreshold
	}
	if fc.EnableBackgroundInitialization != nil {
		cfg.EnableBackgroundInitialization = *fc.EnableBackgroundInitialization
	}

	return cfg, nil
}

// LoadFile reads and parses a configuration file. A missing file yields the
// defaults.
func LoadFile(path string) (schema.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schema.DefaultConfig(), nil
		}
		return schema.DefaultConfig(), schema.NewErrorf(schema.ErrCodeConfig, "read config %s", path).WithCause(err)
	}
	return Parse(raw)
}

// toConfigError converts a jsonschema.ValidationError into a StageError
// carrying every leaf violation.
func toConfigError(err error) *schema.StageError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeConfig, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeConfig, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeConfig, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeConfig, "config validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
