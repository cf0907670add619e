package store

import (
	"context"
	"time"

	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/pkg/schema"
)

// StageRun is the persisted record of one stage attempt.
type StageRun struct {
	ID         int64              `json:"id"`
	Stage      schema.StageID     `json:"stage"`
	Status     schema.StageStatus `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	DurationMs int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
}

// RunFilter specifies criteria for listing stage runs.
type RunFilter struct {
	Stage  schema.StageID      `json:"stage,omitempty"`
	Status *schema.StageStatus `json:"status,omitempty"`
	Since  *time.Time          `json:"since,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
}

// Store persists stage execution history and learned aggregates across app
// launches. Everything here is optional telemetry: callers treat failures
// as best-effort.
type Store interface {
	metadata.Archive

	ListStageRuns(ctx context.Context, filter RunFilter) ([]*StageRun, error)
	PruneStageRuns(ctx context.Context, keepPerStage int) error
	ResetStageStats(ctx context.Context) error
	Close() error
}
