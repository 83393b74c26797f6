package storage

import (
	"context"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS livestream_resources (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		owner_user_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// One active resource per user, enforced by the database itself so
	// concurrent reservations cannot slip past the application guard.
	`CREATE UNIQUE INDEX IF NOT EXISTS livestream_resources_active_owner
		ON livestream_resources (owner_user_id)
		WHERE owner_user_id IS NOT NULL
		AND status IN ('pending_user', 'live', 'pending_closure')`,
	`CREATE INDEX IF NOT EXISTS livestream_resources_status
		ON livestream_resources (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS trigger_timeouts (
		resource_id TEXT PRIMARY KEY
			REFERENCES livestream_resources (id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		trigger_minute TIMESTAMPTZ NOT NULL,
		timeout_deadline TIMESTAMPTZ NOT NULL,
		expected_status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS trigger_timeouts_deadline
		ON trigger_timeouts (timeout_deadline)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
