package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// CreateJob persists a new job. The partial unique index on
// (queue, idempotency_key) enforces per-queue key uniqueness.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	rawBackoff, err := marshalBackoff(j.Backoff)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: create job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO photoq_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Queue, j.Kind, j.Payload, j.IdempotencyKey, string(j.State), j.Priority,
		j.MaxAttempts, j.Attempts, rawBackoff, j.Progress, j.LastError, j.Result, j.WorkerID,
		nanos(j.RunAt), nanosPtr(j.LeaseExpiresAt), nanosPtr(j.StartedAt), nanosPtr(j.CompletedAt),
		int64(j.Timeout), nanos(j.CreatedAt), nanos(j.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrJobAlreadyExists
		}
		return fmt.Errorf("photoq/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM photoq_jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by queue and idempotency key. The empty
// key never matches: keyless jobs store '' and are not unique.
func (s *Store) GetJobByKey(ctx context.Context, queueName, key string) (*job.Job, error) {
	if key == "" {
		return nil, photoq.ErrJobNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM photoq_jobs
		WHERE queue = ? AND idempotency_key = ?`, queueName, key)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("photoq/sqlite: get job by key: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the best eligible job in the queue.
// The single UPDATE is the whole claim: SQLite serializes writers, so
// no two workers can match the same row. Ordering is priority
// descending, then RunAt ascending, then creation time.
func (s *Store) ClaimJob(ctx context.Context, queueName string, workerID id.WorkerID, leaseFor time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'active', attempts = attempts + 1, worker_id = ?,
			lease_expires_at = ?, started_at = ?, progress = 0, updated_at = ?
		WHERE id = (
			SELECT id FROM photoq_jobs
			WHERE queue = ? AND state IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, nanos(now.Add(leaseFor)), nanos(now), nanos(now),
		queueName, nanos(now))
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrNoJobReady
		}
		return nil, fmt.Errorf("photoq/sqlite: claim job: %w", err)
	}
	return j, nil
}

// jobMissingOr returns ErrJobNotFound when the job does not exist,
// otherwise fallback. Classifies state-guarded updates that matched
// no rows.
func (s *Store) jobMissingOr(ctx context.Context, jobID id.JobID, fallback error) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM photoq_jobs WHERE id = ?`, jobID).Scan(&n)
	if isNoRows(err) {
		return photoq.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("photoq/sqlite: check job: %w", err)
	}
	return fallback
}

// RenewLease extends the lease of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseFor time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE photoq_jobs SET lease_expires_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ?`,
		nanos(time.Now().UTC().Add(leaseFor)), jobID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
	}
	return nil
}

// SetJobProgress records progress and renews the lease.
func (s *Store) SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, pct int, leaseFor time.Duration) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE photoq_jobs SET progress = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ?`,
		pct, nanos(now.Add(leaseFor)), nanos(now), jobID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: set job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
	}
	return nil
}

// CompleteJob marks a held job completed and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'completed', result = ?, progress = 100, worker_id = NULL,
			lease_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ?
		RETURNING `+jobColumns,
		result, nanos(now), nanos(now), jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/sqlite: complete job: %w", err)
	}
	return j, nil
}

// FailJob marks a held job terminally failed and releases its lease.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'failed', last_error = ?, worker_id = NULL,
			lease_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ?
		RETURNING `+jobColumns,
		lastError, nanos(now), nanos(now), jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/sqlite: fail job: %w", err)
	}
	return j, nil
}

// RescheduleJob returns a held job to the queue as delayed for a retry.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'delayed', run_at = ?, last_error = ?, worker_id = NULL,
			lease_expires_at = NULL, started_at = NULL, progress = 0, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ?
		RETURNING `+jobColumns,
		nanos(runAt), lastError, nanos(now), jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/sqlite: reschedule job: %w", err)
	}
	return j, nil
}

// CancelJob transitions a waiting or delayed job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('waiting', 'delayed')
		RETURNING `+jobColumns,
		nanos(now), nanos(now), jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrJobNotCancellable)
		}
		return nil, fmt.Errorf("photoq/sqlite: cancel job: %w", err)
	}
	return j, nil
}

// RequeueJob makes a failed, delayed, or cancelled job immediately
// eligible again, preserving its attempt history. A job already
// waiting is returned unchanged.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'waiting', run_at = ?, worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, completed_at = NULL, progress = 0, updated_at = ?
		WHERE id = ? AND state IN ('failed', 'delayed', 'cancelled')
		RETURNING `+jobColumns,
		nanos(now), nanos(now), jobID)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("photoq/sqlite: requeue job: %w", err)
	}

	j, err = s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State == job.StateWaiting {
		return j, nil
	}
	return nil, photoq.ErrInvalidState
}

// ReapExpiredLeases reclaims active jobs whose lease deadline passed.
// The two updates partition expired jobs by remaining attempts, so a
// job is never touched twice.
func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time) (reclaimed, exhausted []*job.Job, err error) {
	at := nanos(now)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'failed', worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, progress = 0, last_error = ?, completed_at = ?, updated_at = ?
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
			AND attempts >= max_attempts
		RETURNING `+jobColumns,
		leaseExpiredMsg, at, at, at)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/sqlite: reap exhausted: %w", err)
	}
	exhausted, err = collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/sqlite: reap exhausted: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		UPDATE photoq_jobs
		SET state = 'waiting', run_at = ?, worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, progress = 0, last_error = ?, updated_at = ?
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
			AND attempts < max_attempts
		RETURNING `+jobColumns,
		at, leaseExpiredMsg, at, at)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/sqlite: reap reclaimed: %w", err)
	}
	reclaimed, err = collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/sqlite: reap reclaimed: %w", err)
	}
	return reclaimed, exhausted, nil
}

// ListJobs returns jobs in the given state ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM photoq_jobs WHERE state = ?`
	args := []any{string(state)}
	if opts.Queue != "" {
		q += ` AND queue = ?`
		args = append(args, opts.Queue)
	}
	q += ` ORDER BY created_at ASC, id ASC`
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
		return nil, fmt.Errorf("photoq/sqlite: list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobsByState returns per-state totals for the queue. An empty
// queue name counts across all queues.
func (s *Store) CountJobsByState(ctx context.Context, queueName string) (job.Counts, error) {
	q := `SELECT state, COUNT(*) FROM photoq_jobs`
	var args []any
	if queueName != "" {
		q += ` WHERE queue = ?`
		args = append(args, queueName)
	}
	q += ` GROUP BY state`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(job.Counts)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("photoq/sqlite: count jobs: %w", err)
		}
		counts[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("photoq/sqlite: count jobs: %w", err)
	}
	return counts, nil
}

// CountReady returns how many jobs in the queue are claimable at now.
func (s *Store) CountReady(ctx context.Context, queueName string, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM photoq_jobs
		WHERE queue = ? AND state IN ('waiting', 'delayed') AND run_at <= ?`,
		queueName, nanos(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("photoq/sqlite: count ready: %w", err)
	}
	return n, nil
}

// PruneJobs removes terminal jobs finished before cutoff and, when
// keep > 0, all but the newest keep terminal jobs. A job's finish
// time is CompletedAt, falling back to UpdatedAt.
func (s *Store) PruneJobs(ctx context.Context, queueName string, cutoff time.Time, keep int) (int64, error) {
	const terminal = `state IN ('completed', 'failed', 'cancelled')`

	var removed int64
	if !cutoff.IsZero() {
		q := `DELETE FROM photoq_jobs WHERE ` + terminal + ` AND COALESCE(completed_at, updated_at) < ?`
		args := []any{nanos(cutoff)}
		if queueName != "" {
			q += ` AND queue = ?`
			args = append(args, queueName)
		}
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("photoq/sqlite: prune jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if keep > 0 {
		inner := `SELECT id FROM photoq_jobs WHERE ` + terminal
		outer := `DELETE FROM photoq_jobs WHERE ` + terminal
		var args []any
		if queueName != "" {
			inner += ` AND queue = ?`
			outer += ` AND queue = ?`
			args = append(args, queueName, queueName)
		}
		inner += ` ORDER BY COALESCE(completed_at, updated_at) DESC LIMIT ?`
		args = append(args, keep)

		res, err := s.db.ExecContext(ctx, outer+` AND id NOT IN (`+inner+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("photoq/sqlite: prune jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM photoq_jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("photoq/sqlite: delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return photoq.ErrJobNotFound
	}
	return nil
}
