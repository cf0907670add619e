package engine

import (
	"context"
	"log/slog"

	"github.com/crewline/bootstage/pkg/schema"
)

// Event is one lifecycle notification emitted during a run: run and stage
// transitions, retry attempts, breaker trips, fallbacks.
type Event struct {
	RunID   string         `json:"run_id"`
	Stage   schema.StageID `json:"stage,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventSink receives lifecycle events. Emission is best-effort: the
// orchestrator never fails a run because a sink rejected an event.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates an EventSink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event at info level with structured attributes.
func (s *LogSink) Emit(ctx context.Context, event Event) {
	attrs := []any{
		slog.String("event", event.Type),
		slog.String("run_id", event.RunID),
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", string(event.Stage)))
	}
	for k, v := range event.Payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.InfoContext(ctx, "lifecycle event", attrs...)
}

var _ EventSink = (*LogSink)(nil)
