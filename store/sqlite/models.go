package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ── time encoding ────────────────────────────────

// Timestamps are stored as integer nanoseconds since the Unix epoch,
// so ordering comparisons happen on integers and round-trips are
// exact.

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// ── JSON columns ─────────────────────────────────

// marshalBackoff encodes a policy for storage. The zero policy stores
// NULL so queue defaults keep applying after a round-trip.
func marshalBackoff(p backoff.Policy) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}
	return string(raw), nil
}

func unmarshalBackoff(raw sql.NullString) (backoff.Policy, error) {
	var p backoff.Policy
	if !raw.Valid || raw.String == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &p); err != nil {
		return p, fmt.Errorf("unmarshal backoff: %w", err)
	}
	return p, nil
}

// ── queue rows ───────────────────────────────────

const queueColumns = `name, id, config, paused, created_at, updated_at`

func scanQueue(r rowScanner) (*queue.Queue, error) {
	var (
		q         queue.Queue
		rawConfig string
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&q.Name, &q.ID, &rawConfig, &q.Paused, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawConfig), &q.Config); err != nil {
		return nil, fmt.Errorf("unmarshal queue config: %w", err)
	}
	q.CreatedAt = fromNanos(createdAt)
	q.UpdatedAt = fromNanos(updatedAt)
	return &q, nil
}

func collectQueues(rows *sql.Rows) ([]*queue.Queue, error) {
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
		rawBackoff sql.NullString
		runAt      int64
		lease      sql.NullInt64
		started    sql.NullInt64
		completed  sql.NullInt64
		timeoutNS  int64
		createdAt  int64
		updatedAt  int64
	)
	err := r.Scan(
		&j.ID, &j.Queue, &j.Kind, &j.Payload, &j.IdempotencyKey, &state, &j.Priority,
		&j.MaxAttempts, &j.Attempts, &rawBackoff, &j.Progress, &j.LastError, &j.Result, &j.WorkerID,
		&runAt, &lease, &started, &completed, &timeoutNS, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.State = job.State(state)
	if j.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	j.RunAt = fromNanos(runAt)
	j.LeaseExpiresAt = fromNullNanos(lease)
	j.StartedAt = fromNullNanos(started)
	j.CompletedAt = fromNullNanos(completed)
	j.Timeout = time.Duration(timeoutNS)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
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
		rawBackoff sql.NullString
		startAt    sql.NullInt64
		endAt      sql.NullInt64
		timeoutNS  int64
		lastRunAt  sql.NullInt64
		nextRunAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := r.Scan(
		&spec.ID, &spec.Name, &spec.Queue, &spec.Kind, &spec.Payload, &spec.Schedule, &spec.Timezone,
		&startAt, &endAt, &spec.MaxRuns, &spec.Runs, &spec.Priority, &spec.MaxAttempts, &rawBackoff, &timeoutNS,
		&spec.Enabled, &lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if spec.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	spec.StartAt = fromNullNanos(startAt)
	spec.EndAt = fromNullNanos(endAt)
	spec.Timeout = time.Duration(timeoutNS)
	spec.LastRunAt = fromNullNanos(lastRunAt)
	spec.NextRunAt = fromNullNanos(nextRunAt)
	spec.CreatedAt = fromNanos(createdAt)
	spec.UpdatedAt = fromNanos(updatedAt)
	return &spec, nil
}

func collectRecurring(rows *sql.Rows) ([]*scheduler.RecurringSpec, error) {
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
		rawBackoff sql.NullString
		timeoutNS  int64
		category   string
		failedAt   int64
		requeuedAt sql.NullInt64
		createdAt  int64
	)
	err := r.Scan(
		&rec.ID, &rec.JobID, &rec.Kind, &rec.Queue, &rec.Payload, &rec.Priority, &rec.MaxAttempts,
		&rec.Attempts, &rawBackoff, &timeoutNS, &rec.Error, &category, &rec.Reason, &rec.Requeuable,
		&failedAt, &requeuedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if rec.Backoff, err = unmarshalBackoff(rawBackoff); err != nil {
		return nil, err
	}
	rec.Timeout = time.Duration(timeoutNS)
	rec.Category = fault.Category(category)
	rec.FailedAt = fromNanos(failedAt)
	rec.RequeuedAt = fromNullNanos(requeuedAt)
	rec.CreatedAt = fromNanos(createdAt)
	return &rec, nil
}

func collectFailures(rows *sql.Rows) ([]*dlq.Record, error) {
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
