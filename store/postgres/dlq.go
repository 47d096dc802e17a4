package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
)

// PushFailure persists a failed-job record.
func (s *Store) PushFailure(ctx context.Context, rec *dlq.Record) error {
	rawBackoff, err := marshalBackoff(rec.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/postgres: push failure: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO photoq_failures (`+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.JobID, rec.Kind, rec.Queue, rec.Payload, rec.Priority, rec.MaxAttempts,
		rec.Attempts, rawBackoff, int64(rec.Timeout), rec.Error, string(rec.Category), rec.Reason,
		rec.Requeuable, rec.FailedAt, rec.RequeuedAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("photoq/postgres: push failure: %w", err)
	}
	return nil
}

// GetFailure retrieves a record by ID.
func (s *Store) GetFailure(ctx context.Context, failureID id.FailureID) (*dlq.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+failureColumns+` FROM photoq_failures WHERE id = $1`, failureID)
	rec, err := scanFailure(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrFailedJobNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get failure: %w", err)
	}
	return rec, nil
}

// ListFailures returns records matching opts, newest first.
func (s *Store) ListFailures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Record, error) {
	q := `SELECT ` + failureColumns + ` FROM photoq_failures WHERE 1=1`
	var args []any
	argIdx := 1
	if opts.Queue != "" {
		q += fmt.Sprintf(` AND queue = $%d`, argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if !opts.Since.IsZero() {
		q += fmt.Sprintf(` AND failed_at >= $%d`, argIdx)
		args = append(args, opts.Since)
		argIdx++
	}
	if !opts.Until.IsZero() {
		q += fmt.Sprintf(` AND failed_at <= $%d`, argIdx)
		args = append(args, opts.Until)
		argIdx++
	}
	q += ` ORDER BY failed_at DESC, id ASC`
	if opts.Limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		q += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list failures: %w", err)
	}
	recs, err := collectFailures(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list failures: %w", err)
	}
	return recs, nil
}

// MarkRequeued stamps RequeuedAt on a record.
func (s *Store) MarkRequeued(ctx context.Context, failureID id.FailureID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE photoq_failures SET requeued_at = $1 WHERE id = $2`,
		at, failureID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: mark requeued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrFailedJobNotFound
	}
	return nil
}

// PurgeFailures removes records that failed before the given time,
// optionally restricted to one queue.
func (s *Store) PurgeFailures(ctx context.Context, queueName string, before time.Time) (int64, error) {
	q := `DELETE FROM photoq_failures WHERE failed_at < $1`
	args := []any{before}
	if queueName != "" {
		q += ` AND queue = $2`
		args = append(args, queueName)
	}
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("photoq/postgres: purge failures: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountFailures returns the number of records, optionally per queue.
func (s *Store) CountFailures(ctx context.Context, queueName string) (int64, error) {
	q := `SELECT COUNT(*) FROM photoq_failures`
	var args []any
	if queueName != "" {
		q += ` WHERE queue = $1`
		args = append(args, queueName)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("photoq/postgres: count failures: %w", err)
	}
	return n, nil
}
