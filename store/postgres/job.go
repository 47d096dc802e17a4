package postgres

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
		return fmt.Errorf("photoq/postgres: create job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO photoq_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)`,
		j.ID, j.Queue, j.Kind, j.Payload, j.IdempotencyKey, string(j.State), j.Priority,
		j.MaxAttempts, j.Attempts, rawBackoff, j.Progress, j.LastError, j.Result, j.WorkerID,
		j.RunAt, j.LeaseExpiresAt, j.StartedAt, j.CompletedAt,
		int64(j.Timeout), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return photoq.ErrJobAlreadyExists
		}
		return fmt.Errorf("photoq/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM photoq_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get job: %w", err)
	}
	return j, nil
}

// GetJobByKey retrieves a job by queue and idempotency key. The empty
// key never matches: keyless jobs store '' and are not unique.
func (s *Store) GetJobByKey(ctx context.Context, queueName, key string) (*job.Job, error) {
	if key == "" {
		return nil, photoq.ErrJobNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM photoq_jobs
		WHERE queue = $1 AND idempotency_key = $2`, queueName, key)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("photoq/postgres: get job by key: %w", err)
	}
	return j, nil
}

// ClaimJob atomically claims the best eligible job in the queue.
// FOR UPDATE SKIP LOCKED lets concurrent claimers pass over rows
// another transaction is claiming instead of blocking on them.
// Ordering is priority descending, then RunAt ascending, then
// creation time.
func (s *Store) ClaimJob(ctx context.Context, queueName string, workerID id.WorkerID, leaseFor time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'active', attempts = attempts + 1, worker_id = $1,
			lease_expires_at = $2, started_at = $3, progress = 0, updated_at = $3
		WHERE id = (
			SELECT id FROM photoq_jobs
			WHERE queue = $4 AND state IN ('waiting', 'delayed') AND run_at <= $3
			ORDER BY priority DESC, run_at ASC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now.Add(leaseFor), now, queueName)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, photoq.ErrNoJobReady
		}
		return nil, fmt.Errorf("photoq/postgres: claim job: %w", err)
	}
	return j, nil
}

// jobMissingOr returns ErrJobNotFound when the job does not exist,
// otherwise fallback. Classifies state-guarded updates that matched
// no rows.
func (s *Store) jobMissingOr(ctx context.Context, jobID id.JobID, fallback error) error {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM photoq_jobs WHERE id = $1`, jobID).Scan(&one)
	if isNoRows(err) {
		return photoq.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("photoq/postgres: check job: %w", err)
	}
	return fallback
}

// RenewLease extends the lease of a job held by workerID.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseFor time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photoq_jobs SET lease_expires_at = $1
		WHERE id = $2 AND state = 'active' AND worker_id = $3`,
		time.Now().UTC().Add(leaseFor), jobID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE photoq_jobs SET progress = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = $4 AND state = 'active' AND worker_id = $5`,
		pct, now.Add(leaseFor), now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: set job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
	}
	return nil
}

// CompleteJob marks a held job completed and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'completed', result = $1, progress = 100, worker_id = NULL,
			lease_expires_at = NULL, completed_at = $2, updated_at = $2
		WHERE id = $3 AND state = 'active' AND worker_id = $4
		RETURNING `+jobColumns,
		result, now, jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/postgres: complete job: %w", err)
	}
	return j, nil
}

// FailJob marks a held job terminally failed and releases its lease.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'failed', last_error = $1, worker_id = NULL,
			lease_expires_at = NULL, completed_at = $2, updated_at = $2
		WHERE id = $3 AND state = 'active' AND worker_id = $4
		RETURNING `+jobColumns,
		lastError, now, jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/postgres: fail job: %w", err)
	}
	return j, nil
}

// RescheduleJob returns a held job to the queue as delayed for a retry.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, lastError string) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'delayed', run_at = $1, last_error = $2, worker_id = NULL,
			lease_expires_at = NULL, started_at = NULL, progress = 0, updated_at = $3
		WHERE id = $4 AND state = 'active' AND worker_id = $5
		RETURNING `+jobColumns,
		runAt, lastError, now, jobID, workerID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrLeaseLost)
		}
		return nil, fmt.Errorf("photoq/postgres: reschedule job: %w", err)
	}
	return j, nil
}

// CancelJob transitions a waiting or delayed job to cancelled.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'cancelled', completed_at = $1, updated_at = $1
		WHERE id = $2 AND state IN ('waiting', 'delayed')
		RETURNING `+jobColumns,
		now, jobID)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.jobMissingOr(ctx, jobID, photoq.ErrJobNotCancellable)
		}
		return nil, fmt.Errorf("photoq/postgres: cancel job: %w", err)
	}
	return j, nil
}

// RequeueJob makes a failed, delayed, or cancelled job immediately
// eligible again, preserving its attempt history. A job already
// waiting is returned unchanged.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE photoq_jobs
		SET state = 'waiting', run_at = $1, worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, completed_at = NULL, progress = 0, updated_at = $1
		WHERE id = $2 AND state IN ('failed', 'delayed', 'cancelled')
		RETURNING `+jobColumns,
		now, jobID)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("photoq/postgres: requeue job: %w", err)
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
	rows, err := s.pool.Query(ctx, `
		UPDATE photoq_jobs
		SET state = 'failed', worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, progress = 0, last_error = $1, completed_at = $2, updated_at = $2
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $2
			AND attempts >= max_attempts
		RETURNING `+jobColumns,
		leaseExpiredMsg, now)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/postgres: reap exhausted: %w", err)
	}
	exhausted, err = collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/postgres: reap exhausted: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		UPDATE photoq_jobs
		SET state = 'waiting', run_at = $1, worker_id = NULL, lease_expires_at = NULL,
			started_at = NULL, progress = 0, last_error = $2, updated_at = $1
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
			AND attempts < max_attempts
		RETURNING `+jobColumns,
		now, leaseExpiredMsg)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/postgres: reap reclaimed: %w", err)
	}
	reclaimed, err = collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("photoq/postgres: reap reclaimed: %w", err)
	}
	return reclaimed, exhausted, nil
}

// ListJobs returns jobs in the given state ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM photoq_jobs WHERE state = $1`
	args := []any{string(state)}
	argIdx := 2
	if opts.Queue != "" {
		q += fmt.Sprintf(` AND queue = $%d`, argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	q += ` ORDER BY created_at ASC, id ASC`
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
		return nil, fmt.Errorf("photoq/postgres: list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: list jobs: %w", err)
	}
	return jobs, nil
}

// CountJobsByState returns per-state totals for the queue. An empty
// queue name counts across all queues.
func (s *Store) CountJobsByState(ctx context.Context, queueName string) (job.Counts, error) {
	q := `SELECT state, COUNT(*) FROM photoq_jobs`
	var args []any
	if queueName != "" {
		q += ` WHERE queue = $1`
		args = append(args, queueName)
	}
	q += ` GROUP BY state`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("photoq/postgres: count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(job.Counts)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("photoq/postgres: count jobs: %w", err)
		}
		counts[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("photoq/postgres: count jobs: %w", err)
	}
	return counts, nil
}

// CountReady returns how many jobs in the queue are claimable at now.
func (s *Store) CountReady(ctx context.Context, queueName string, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM photoq_jobs
		WHERE queue = $1 AND state IN ('waiting', 'delayed') AND run_at <= $2`,
		queueName, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("photoq/postgres: count ready: %w", err)
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
		q := `DELETE FROM photoq_jobs WHERE ` + terminal + ` AND COALESCE(completed_at, updated_at) < $1`
		args := []any{cutoff}
		if queueName != "" {
			q += ` AND queue = $2`
			args = append(args, queueName)
		}
		tag, err := s.pool.Exec(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("photoq/postgres: prune jobs: %w", err)
		}
		removed += tag.RowsAffected()
	}

	if keep > 0 {
		inner := `SELECT id FROM photoq_jobs WHERE ` + terminal
		outer := `DELETE FROM photoq_jobs WHERE ` + terminal
		var args []any
		argIdx := 1
		if queueName != "" {
			outer += fmt.Sprintf(` AND queue = $%d`, argIdx)
			args = append(args, queueName)
			argIdx++
			inner += fmt.Sprintf(` AND queue = $%d`, argIdx)
			args = append(args, queueName)
			argIdx++
		}
		inner += fmt.Sprintf(` ORDER BY COALESCE(completed_at, updated_at) DESC LIMIT $%d`, argIdx)
		args = append(args, keep)

		tag, err := s.pool.Exec(ctx, outer+` AND id NOT IN (`+inner+`)`, args...)
		if err != nil {
			return 0, fmt.Errorf("photoq/postgres: prune jobs: %w", err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM photoq_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("photoq/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return photoq.ErrJobNotFound
	}
	return nil
}
