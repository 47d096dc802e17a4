package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ── JSON columns ─────────────────────────────────

// marshalBackoff encodes a policy for the JSONB column. The zero
// policy stores NULL so queue defaults keep applying after a
// round-trip.
func marshalBackoff(p backoff.Policy) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}
	return raw, nil
}

func unmarshalBackoff(raw []byte) (backoff.Policy, error) {
	var p backoff.Policy
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal backoff: %w", err)
	}
	return p, nil
}

// ── queue rows ───────────────────────────────────

const queueColumns = `name, id, config, paused, created_at, updated_at`

func scanQueue(r rowScanner) (*queue.Queue, error) {
	var q queue.Queue
	err := r.Scan(&q.Name, &q.ID, &q.Config, &q.Paused, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func collectQueues(rows pgx.Rows) ([]*queue.Queue, error) {
	defer rows.Close()

	var queues []*queue.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// ── job rows ─────────────────────────────────────

const jobColumns = `id, queue, kind, payload, idempotency_key, state, priority,
	max_attempts, attempts, backoff, progress, last_error, result, worker_id,
	run_at, lease_expires_at, started_at, completed_at, timeout_ns, created_at, updated_at`

func scanJob(r rowScanner) (*job.Job, error) {
	var (
		j          job.Job
		state      string
		rawBackoff []byte
		timeoutNS  int64
	)
	err := r.Scan(
		&j.ID, &j.Queue, &j.Kind, &j.Payload, &j.IdempotencyKey, &state, &j.Priority,
		&j.MaxAttempts, &j.Attempts, &rawBackoff, &j.Progress, &j.LastError, &j.Result, &j.WorkerID,
		&j.RunAt, &j.LeaseExpiresAt, &j.StartedAt, &j.CompletedAt, &timeoutNS, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	if j.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeoutNS)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ── recurring rows ───────────────────────────────

const recurringColumns = `id, name, queue, kind, payload, schedule, timezone,
	start_at, end_at, max_runs, runs, priority, max_attempts, backoff, timeout_ns,
	enabled, last_run_at, next_run_at, created_at, updated_at`

func scanRecurring(r rowScanner) (*scheduler.RecurringSpec, error) {
	var (
		spec       scheduler.RecurringSpec
		rawBackoff []byte
		timeoutNS  int64
	)
	err := r.Scan(
		&spec.ID, &spec.Name, &spec.Queue, &spec.Kind, &spec.Payload, &spec.Schedule, &spec.Timezone,
		&spec.StartAt, &spec.EndAt, &spec.MaxRuns, &spec.Runs, &spec.Priority, &spec.MaxAttempts,
		&rawBackoff, &timeoutNS, &spec.Enabled, &spec.LastRunAt, &spec.NextRunAt,
		&spec.CreatedAt, &spec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if spec.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	spec.Timeout = time.Duration(timeoutNS)
	return &spec, nil
}

func collectRecurring(rows pgx.Rows) ([]*scheduler.RecurringSpec, error) {
	defer rows.Close()

	var specs []*scheduler.RecurringSpec
	for rows.Next() {
		spec, err := scanRecurring(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

// ── failure rows ─────────────────────────────────

const failureColumns = `id, job_id, kind, queue, payload, priority, max_attempts,
	attempts, backoff, timeout_ns, error, category, reason, requeuable,
	failed_at, requeued_at, created_at`

func scanFailure(r rowScanner) (*dlq.Record, error) {
	var (
		rec        dlq.Record
		rawBackoff []byte
		timeoutNS  int64
		category   string
	)
	err := r.Scan(
		&rec.ID, &rec.JobID, &rec.Kind, &rec.Queue, &rec.Payload, &rec.Priority, &rec.MaxAttempts,
		&rec.Attempts, &rawBackoff, &timeoutNS, &rec.Error, &category, &rec.Reason, &rec.Requeuable,
		&rec.FailedAt, &rec.RequeuedAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	rec.Timeout = time.Duration(timeoutNS)
	rec.Category = fault.Category(category)
	return &rec, nil
}

func collectFailures(rows pgx.Rows) ([]*dlq.Record, error) {
	defer rows.Close()

	var recs []*dlq.Record
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
