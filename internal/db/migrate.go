package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the sessions and turns tables when missing.  The same
// script runs on Postgres and SQLite, so it sticks to TEXT, INTEGER and
// BIGINT columns and stores times as unix seconds.  Turns are keyed by
// (session_id, epoch, seq); a new upload bumps the epoch instead of
// rewriting old rows in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply session schema: %w", err)
	}
	return nil
}
