package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the Postgres schema. Every statement is
// idempotent so Migrate can run on each deploy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id             UUID PRIMARY KEY,
		owner_id       TEXT NOT NULL,
		name           TEXT NOT NULL,
		is_default     BOOLEAN NOT NULL DEFAULT FALSE,
		default_models TEXT[] NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS projects_owner_default_idx
		ON projects (owner_id) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS response_aggregates (
		id                  UUID PRIMARY KEY,
		owner_id            TEXT NOT NULL,
		project_id          UUID NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
		prompt              TEXT NOT NULL,
		results             JSONB NOT NULL DEFAULT '{}'::jsonb,
		requested_providers TEXT[] NOT NULL,
		original_providers  TEXT[] NOT NULL,
		selected_provider   TEXT,
		overall_status      TEXT NOT NULL
			CHECK (overall_status IN ('processing', 'completed', 'partial', 'failed')),
		total_count         INTEGER NOT NULL,
		completed_count     INTEGER NOT NULL DEFAULT 0,
		failed_count        INTEGER NOT NULL DEFAULT 0,
		total_tokens_used   INTEGER NOT NULL DEFAULT 0,
		settings            JSONB NOT NULL DEFAULT '{}'::jsonb,
		started_at          TIMESTAMPTZ NOT NULL,
		ended_at            TIMESTAMPTZ,
		duration_ms         BIGINT NOT NULL DEFAULT 0,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (completed_count + failed_count <= total_count)
	)`,
	`CREATE INDEX IF NOT EXISTS response_aggregates_owner_created_idx
		ON response_aggregates (owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS response_aggregates_project_idx
		ON response_aggregates (project_id)`,
	`CREATE INDEX IF NOT EXISTS response_aggregates_status_idx
		ON response_aggregates (owner_id, overall_status)`,
}

// Migrate creates the tables and indexes used by the Postgres stores.
func Migrate(ctx context.Context, db *DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
