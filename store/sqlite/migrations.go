package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// A migration is one schema version. Statements run in order inside a
// single transaction and the version is recorded in photoq_migrations,
// so reruns are no-ops.
type migration struct {
	version string
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: "20250601120000",
		name:    "create_queues_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS photoq_queues (
				name       TEXT PRIMARY KEY,
				id         TEXT NOT NULL,
				config     TEXT NOT NULL,
				paused     INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version: "20250601120001",
		name:    "create_jobs_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS photoq_jobs (
				id               TEXT PRIMARY KEY,
				queue            TEXT NOT NULL,
				kind             TEXT NOT NULL,
				payload          BLOB,
				idempotency_key  TEXT NOT NULL DEFAULT '',
				state            TEXT NOT NULL DEFAULT 'waiting',
				priority         INTEGER NOT NULL DEFAULT 0,
				max_attempts     INTEGER NOT NULL DEFAULT 3,
				attempts         INTEGER NOT NULL DEFAULT 0,
				backoff          TEXT,
				progress         INTEGER NOT NULL DEFAULT 0,
				last_error       TEXT NOT NULL DEFAULT '',
				result           BLOB,
				worker_id        TEXT,
				run_at           INTEGER NOT NULL,
				lease_expires_at INTEGER,
				started_at       INTEGER,
				completed_at     INTEGER,
				timeout_ns       INTEGER NOT NULL DEFAULT 0,
				created_at       INTEGER NOT NULL,
				updated_at       INTEGER NOT NULL
			)`, `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_photoq_jobs_idem
				ON photoq_jobs (queue, idempotency_key)
				WHERE idempotency_key != ''`, `
			CREATE INDEX IF NOT EXISTS idx_photoq_jobs_claim
				ON photoq_jobs (queue, priority DESC, run_at ASC, created_at ASC)
				WHERE state IN ('waiting', 'delayed')`, `
			CREATE INDEX IF NOT EXISTS idx_photoq_jobs_lease
				ON photoq_jobs (lease_expires_at)
				WHERE state = 'active'`, `
			CREATE INDEX IF NOT EXISTS idx_photoq_jobs_state
				ON photoq_jobs (state, queue)`,
		},
	},
	{
		version: "20250601120002",
		name:    "create_recurring_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS photoq_recurring (
				id              TEXT PRIMARY KEY,
				name            TEXT NOT NULL UNIQUE,
				queue           TEXT NOT NULL,
				kind            TEXT NOT NULL,
				payload         BLOB,
				schedule        TEXT NOT NULL,
				timezone        TEXT NOT NULL DEFAULT '',
				start_at        INTEGER,
				end_at          INTEGER,
				max_runs        INTEGER NOT NULL DEFAULT 0,
				runs            INTEGER NOT NULL DEFAULT 0,
				priority        INTEGER NOT NULL DEFAULT 0,
				max_attempts    INTEGER NOT NULL DEFAULT 0,
				backoff         TEXT,
				timeout_ns      INTEGER NOT NULL DEFAULT 0,
				enabled         INTEGER NOT NULL DEFAULT 1,
				last_run_at     INTEGER,
				next_run_at     INTEGER,
				locked_by       TEXT,
				lock_expires_at INTEGER,
				created_at      INTEGER NOT NULL,
				updated_at      INTEGER NOT NULL
			)`,
		},
	},
	{
		version: "20250601120003",
		name:    "create_failures_table",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS photoq_failures (
				id           TEXT PRIMARY KEY,
				job_id       TEXT NOT NULL,
				kind         TEXT NOT NULL,
				queue        TEXT NOT NULL,
				payload      BLOB,
				priority     INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 0,
				attempts     INTEGER NOT NULL DEFAULT 0,
				backoff      TEXT,
				timeout_ns   INTEGER NOT NULL DEFAULT 0,
				error        TEXT NOT NULL DEFAULT '',
				category     TEXT NOT NULL DEFAULT '',
				reason       TEXT NOT NULL DEFAULT '',
				requeuable   INTEGER NOT NULL DEFAULT 0,
				failed_at    INTEGER NOT NULL,
				requeued_at  INTEGER,
				created_at   INTEGER NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS idx_photoq_failures_list
				ON photoq_failures (queue, failed_at DESC)`,
		},
	},
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS photoq_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Debug("applied migration",
			slog.String("version", m.version),
			slog.String("name", m.name))
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM photoq_migrations WHERE version = ?`, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("photoq/sqlite: check migration %s: %w", version, err)
	}
	return n > 0, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: begin migration %s: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("photoq/sqlite: migration %s (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO photoq_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().UnixNano()); err != nil {
		return fmt.Errorf("photoq/sqlite: record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}
