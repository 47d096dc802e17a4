package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/scheduler"
)

// CreateRecurring persists a new spec. The UNIQUE constraint on name
// keeps spec names distinct.
func (s *Store) CreateRecurring(ctx context.Context, spec *scheduler.RecurringSpec) error {
	rawBackoff, err := marshalBackoff(spec.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/postgres: create recurring: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO photoq_recurring (`+recurringColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		spec.ID, spec.Name, spec.Queue, spec.Kind, spec.Payload, spec.Schedule, spec.Timezone,
		spec.StartAt, spec.EndAt, spec.MaxRuns, spec.Runs, spec.Priority,
		spec.MaxAttempts, rawBackoff, int64(spec.Timeout), spec.Enabled,
		spec.LastRunAt, spec.NextRunAt, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrDuplicateRecurring
		}
		return fmt.Errorf("photoq/postgres: create recurring: %w", err)
	}
	return nil
}

// GetRecurring retrieves a recurring spec by ID.
func (s *Store) GetRecurring(ctx context.Context, recurringID id.RecurringID) (*scheduler.RecurringSpec, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring WHERE id = $1`, recurringID)
	spec, err := scanRecurring(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get recurring: %w", err)
	}
	return spec, nil
}

// GetRecurringByName retrieves a recurring spec by its unique name.
func (s *Store) GetRecurringByName(ctx context.Context, name string) (*scheduler.RecurringSpec, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring WHERE name = $1`, name)
	spec, err := scanRecurring(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get recurring by name: %w", err)
	}
	return spec, nil
}

// ListRecurring returns all specs ordered by creation time.
func (s *Store) ListRecurring(ctx context.Context) ([]*scheduler.RecurringSpec, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list recurring: %w", err)
	}
	specs, err := collectRecurring(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list recurring: %w", err)
	}
	return specs, nil
}

// UpdateRecurring persists changes to an existing spec. Lock columns
// are not touched; they belong to the acquire/release pair.
func (s *Store) UpdateRecurring(ctx context.Context, spec *scheduler.RecurringSpec) error {
	rawBackoff, err := marshalBackoff(spec.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/postgres: update recurring: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE photoq_recurring
		SET name = $1, queue = $2, kind = $3, payload = $4, schedule = $5, timezone = $6,
			start_at = $7, end_at = $8, max_runs = $9, runs = $10, priority = $11,
			max_attempts = $12, backoff = $13, timeout_ns = $14, enabled = $15,
			last_run_at = $16, next_run_at = $17, updated_at = $18
		WHERE id = $19`,
		spec.Name, spec.Queue, spec.Kind, spec.Payload, spec.Schedule, spec.Timezone,
		spec.StartAt, spec.EndAt, spec.MaxRuns, spec.Runs, spec.Priority,
		spec.MaxAttempts, rawBackoff, int64(spec.Timeout), spec.Enabled,
		spec.LastRunAt, spec.NextRunAt, time.Now().UTC(),
		spec.ID)
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrDuplicateRecurring
		}
		return fmt.Errorf("photoq/postgres: update recurring: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrRecurringNotFound
	}
	return nil
}

// DeleteRecurring removes a spec. Its lock columns go with the row.
func (s *Store) DeleteRecurring(ctx context.Context, recurringID id.RecurringID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM photoq_recurring WHERE id = $1`, recurringID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: delete recurring: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrRecurringNotFound
	}
	return nil
}

// AcquireRecurringLock takes a TTL lock on one spec. A held unexpired
// lock blocks other workers; the holder re-enters and extends freely.
func (s *Store) AcquireRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE photoq_recurring
		SET locked_by = $1, lock_expires_at = $2
		WHERE id = $3 AND (locked_by IS NULL OR locked_by = $1 OR lock_expires_at <= $4)`,
		workerID, now.Add(ttl), recurringID, now)
	if err != nil {
		return false, fmt.Errorf("photoq/postgres: acquire recurring lock: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var one int
	err = s.pool.QueryRow(ctx,
		`SELECT 1 FROM photoq_recurring WHERE id = $1`, recurringID).Scan(&one)
	if isNoRows(err) {
		return false, photoq.ErrRecurringNotFound
	}
	if err != nil {
		return false, fmt.Errorf("photoq/postgres: acquire recurring lock: %w", err)
	}
	return false, nil
}

// ReleaseRecurringLock releases a lock held by this worker. Releasing
// a lock that is not held is a no-op.
func (s *Store) ReleaseRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE photoq_recurring SET locked_by = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by = $2`, recurringID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: release recurring lock: %w", err)
	}
	return nil
}
