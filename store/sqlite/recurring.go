package sqlite

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
		return fmt.Errorf("photoq/sqlite: create recurring: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO photoq_recurring (`+recurringColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		spec.ID, spec.Name, spec.Queue, spec.Kind, spec.Payload, spec.Schedule, spec.Timezone,
		nanosPtr(spec.StartAt), nanosPtr(spec.EndAt), spec.MaxRuns, spec.Runs, spec.Priority,
		spec.MaxAttempts, rawBackoff, int64(spec.Timeout), spec.Enabled,
		nanosPtr(spec.LastRunAt), nanosPtr(spec.NextRunAt), nanos(spec.CreatedAt), nanos(spec.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrDuplicateRecurring
		}
		return fmt.Errorf("photoq/sqlite: create recurring: %w", err)
	}
	return nil
}

// GetRecurring retrieves a recurring spec by ID.
func (s *Store) GetRecurring(ctx context.Context, recurringID id.RecurringID) (*scheduler.RecurringSpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring WHERE id = ?`, recurringID)
	spec, err := scanRecurring(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get recurring: %w", err)
	}
	return spec, nil
}

// GetRecurringByName retrieves a recurring spec by its unique name.
func (s *Store) GetRecurringByName(ctx context.Context, name string) (*scheduler.RecurringSpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring WHERE name = ?`, name)
	spec, err := scanRecurring(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrRecurringNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get recurring by name: %w", err)
	}
	return spec, nil
}

// ListRecurring returns all specs ordered by creation time.
func (s *Store) ListRecurring(ctx context.Context) ([]*scheduler.RecurringSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recurringColumns+` FROM photoq_recurring ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list recurring: %w", err)
	}
	specs, err := collectRecurring(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list recurring: %w", err)
	}
	return specs, nil
}

// UpdateRecurring persists changes to an existing spec. Lock columns
// are not touched; they belong to the acquire/release pair.
func (s *Store) UpdateRecurring(ctx context.Context, spec *scheduler.RecurringSpec) error {
	rawBackoff, err := marshalBackoff(spec.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: update recurring: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE photoq_recurring
		SET name = ?, queue = ?, kind = ?, payload = ?, schedule = ?, timezone = ?,
			start_at = ?, end_at = ?, max_runs = ?, runs = ?, priority = ?,
			max_attempts = ?, backoff = ?, timeout_ns = ?, enabled = ?,
			last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		spec.Name, spec.Queue, spec.Kind, spec.Payload, spec.Schedule, spec.Timezone,
		nanosPtr(spec.StartAt), nanosPtr(spec.EndAt), spec.MaxRuns, spec.Runs, spec.Priority,
		spec.MaxAttempts, rawBackoff, int64(spec.Timeout), spec.Enabled,
		nanosPtr(spec.LastRunAt), nanosPtr(spec.NextRunAt), nanos(time.Now().UTC()),
		spec.ID)
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrDuplicateRecurring
		}
		return fmt.Errorf("photoq/sqlite: update recurring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrRecurringNotFound
	}
	return nil
}

// DeleteRecurring removes a spec. Its lock columns go with the row.
func (s *Store) DeleteRecurring(ctx context.Context, recurringID id.RecurringID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM photoq_recurring WHERE id = ?`, recurringID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: delete recurring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrRecurringNotFound
	}
	return nil
}

// AcquireRecurringLock takes a TTL lock on one spec. A held unexpired
// lock blocks other workers; the holder re-enters and extends freely.
func (s *Store) AcquireRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE photoq_recurring
		SET locked_by = ?, lock_expires_at = ?
		WHERE id = ? AND (locked_by IS NULL OR locked_by = ? OR lock_expires_at <= ?)`,
		workerID, nanos(now.Add(ttl)), recurringID, workerID, nanos(now))
	if err != nil {
		return false, fmt.Errorf("photoq/sqlite: acquire recurring lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM photoq_recurring WHERE id = ?`, recurringID).Scan(&one)
	if isNoRows(err) {
		return false, photoq.ErrRecurringNotFound
	}
	if err != nil {
		return false, fmt.Errorf("photoq/sqlite: acquire recurring lock: %w", err)
	}
	return false, nil
}

// ReleaseRecurringLock releases a lock held by this worker. Releasing
// a lock that is not held is a no-op.
func (s *Store) ReleaseRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE photoq_recurring SET locked_by = NULL, lock_expires_at = NULL
		WHERE id = ? AND locked_by = ?`, recurringID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: release recurring lock: %w", err)
	}
	return nil
}
