// Package postgres provides a PostgreSQL-backed implementation of the
// taskstore.Repository interface.
//
// Tasks and notes live in two tables keyed by a caller-supplied UUID; every
// query is scoped by user_id so per-user isolation holds at the SQL level.
// [Migrate] creates the schema idempotently on startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTasks = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    title       TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    completed   BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id
    ON tasks (user_id);

CREATE INDEX IF NOT EXISTS idx_tasks_user_created
    ON tasks (user_id, created_at);
`

const ddlNotes = `
CREATE TABLE IF NOT EXISTS task_notes (
    id          TEXT         PRIMARY KEY,
    task_id     TEXT         NOT NULL REFERENCES tasks (id) ON DELETE CASCADE,
    user_id     TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_notes_task_id
    ON task_notes (task_id);

CREATE INDEX IF NOT EXISTS idx_task_notes_user_task
    ON task_notes (user_id, task_id, created_at);
`

// Migrate creates all required tables and indexes. Every statement is
// IF NOT EXISTS so repeated runs are no-ops.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlTasks, ddlNotes} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("task store: migrate: %w", err)
		}
	}
	return nil
}
