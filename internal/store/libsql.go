package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/crewline/bootstage/internal/metadata"
	"github.com/crewline/bootstage/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and initializes
// the schema. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// SaveStageRun appends one execution record.
func (s *LibSQLStore) SaveStageRun(ctx context.Context, result schema.StageExecutionResult) error {
	var errText any
	if result.Error != "" {
		errText = result.Error
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (stage, status, started_at, ended_at, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(result.Stage), string(result.Status),
		result.StartedAt.UTC(), result.EndedAt.UTC(),
		result.Duration().Milliseconds(), errText,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert stage run: %s", err.Error()).WithCause(err)
	}
	return nil
}

// ListStageRuns returns persisted runs matching the filter, newest first.
func (s *LibSQLStore) ListStageRuns(ctx context.Context, filter RunFilter) ([]*StageRun, error) {
	query := `SELECT id, stage, status, started_at, ended_at, duration_ms, error FROM stage_runs WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list stage runs: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*StageRun
	for rows.Next() {
		r := &StageRun{}
		var stage, status string
		var errText sql.NullString
		if err := rows.Scan(&r.ID, &stage, &status, &r.StartedAt, &r.EndedAt, &r.DurationMs, &errText); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan stage run: %s", err.Error()).WithCause(err)
		}
		r.Stage = schema.StageID(stage)
		r.Status = schema.StageStatus(status)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneStageRuns keeps only the newest keepPerStage rows per stage.
func (s *LibSQLStore) PruneStageRuns(ctx context.Context, keepPerStage int) error {
	if keepPerStage <= 0 {
		keepPerStage = 1000
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stage_runs WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY stage ORDER BY started_at DESC) AS rn
				FROM stage_runs
			) WHERE rn <= ?
		)`, keepPerStage)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "prune stage runs: %s", err.Error()).WithCause(err)
	}
	return nil
}

// SaveStageStats upserts the learned aggregates.
func (s *LibSQLStore) SaveStageStats(ctx context.Context, stats map[schema.StageID]metadata.StageStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin stats tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	for id, st := range stats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_stats (stage, avg_duration_ms, success_rate, sample_count, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(stage) DO UPDATE SET
				avg_duration_ms=excluded.avg_duration_ms,
				success_rate=excluded.success_rate,
				sample_count=excluded.sample_count,
				updated_at=excluded.updated_at`,
			string(id), st.AverageDuration.Milliseconds(), st.SuccessRate, st.SampleCount, time.Now().UTC(),
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "upsert stage stats %s: %s", id, err.Error()).WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit stats: %s", err.Error()).WithCause(err)
	}
	return nil
}

// LoadStageStats reads the learned aggregates for all stages.
func (s *LibSQLStore) LoadStageStats(ctx context.Context) (map[schema.StageID]metadata.StageStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, avg_duration_ms, success_rate, sample_count FROM stage_stats`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load stage stats: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	out := make(map[schema.StageID]metadata.StageStats)
	for rows.Next() {
		var stage string
		var avgMs int64
		var st metadata.StageStats
		if err := rows.Scan(&stage, &avgMs, &st.SuccessRate, &st.SampleCount); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan stage stats: %s", err.Error()).WithCause(err)
		}
		st.AverageDuration = time.Duration(avgMs) * time.Millisecond
		out[schema.StageID(stage)] = st
	}
	return out, rows.Err()
}

// ResetStageStats clears all learned aggregates, e.g. between app versions.
func (s *LibSQLStore) ResetStageStats(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stage_stats`); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "reset stage stats: %s", err.Error()).WithCause(err)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)
