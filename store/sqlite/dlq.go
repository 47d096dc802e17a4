package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
)

// PushFailure persists a failed-job record.
func (s *Store) PushFailure(ctx context.Context, rec *dlq.Record) error {
	rawBackoff, err := marshalBackoff(rec.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: push failure: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO photoq_failures (`+failureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.Kind, rec.Queue, rec.Payload, rec.Priority, rec.MaxAttempts,
		rec.Attempts, rawBackoff, int64(rec.Timeout), rec.Error, string(rec.Category), rec.Reason,
		rec.Requeuable, nanos(rec.FailedAt), nanosPtr(rec.RequeuedAt), nanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("photoq/sqlite: push failure: %w", err)
	}
	return nil
}

// GetFailure retrieves a record by ID.
func (s *Store) GetFailure(ctx context.Context, failureID id.FailureID) (*dlq.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+failureColumns+` FROM photoq_failures WHERE id = ?`, failureID)
	rec, err := scanFailure(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrFailedJobNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get failure: %w", err)
	}
	return rec, nil
}

// ListFailures returns records matching opts, newest first.
func (s *Store) ListFailures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Record, error) {
	q := `SELECT ` + failureColumns + ` FROM photoq_failures`
	var (
		conds []string
		args  []any
	)
	if opts.Queue != "" {
		conds = append(conds, `queue = ?`)
		args = append(args, opts.Queue)
	}
	if !opts.Since.IsZero() {
		conds = append(conds, `failed_at >= ?`)
		args = append(args, nanos(opts.Since))
	}
	if !opts.Until.IsZero() {
		conds = append(conds, `failed_at <= ?`)
		args = append(args, nanos(opts.Until))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY failed_at DESC, id ASC`
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1 // no limit, offset only
		}
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list failures: %w", err)
	}
	recs, err := collectFailures(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list failures: %w", err)
	}
	return recs, nil
}

// MarkRequeued stamps RequeuedAt on a record.
func (s *Store) MarkRequeued(ctx context.Context, failureID id.FailureID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE photoq_failures SET requeued_at = ? WHERE id = ?`,
		nanos(at), failureID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: mark requeued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrFailedJobNotFound
	}
	return nil
}

// PurgeFailures removes records that failed before the given time,
// optionally restricted to one queue.
func (s *Store) PurgeFailures(ctx context.Context, queueName string, before time.Time) (int64, error) {
	q := `DELETE FROM photoq_failures WHERE failed_at < ?`
	args := []any{nanos(before)}
	if queueName != "" {
		q += ` AND queue = ?`
		args = append(args, queueName)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("photoq/sqlite: purge failures: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountFailures returns the number of records, optionally per queue.
func (s *Store) CountFailures(ctx context.Context, queueName string) (int64, error) {
	q := `SELECT COUNT(*) FROM photoq_failures`
	var args []any
	if queueName != "" {
		q += ` WHERE queue = ?`
		args = append(args, queueName)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("photoq/sqlite: count failures: %w", err)
	}
	return n, nil
}
