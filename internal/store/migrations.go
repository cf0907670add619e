package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var schemaSQL string

// initSchema creates the stage run tables and indexes. Every statement in the
// embedded script uses IF NOT EXISTS, so running it against an already
// initialized database is a no-op.
func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// schemaStatements splits the schema script on semicolons, dropping comment
// lines and empty fragments.
func schemaStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		var lines []string
		for _, l := range strings.Split(raw, "\n") {
			l = strings.TrimSpace(l)
			if l == "" || strings.HasPrefix(l, "--") {
				continue
			}
			lines = append(lines, l)
		}
		if len(lines) > 0 {
			stmts = append(stmts, strings.Join(lines, "\n"))
		}
	}
	return stmts
}
