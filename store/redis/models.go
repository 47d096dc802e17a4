package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// ── time encoding ────────────────────────────────

// Timestamps are stored as RFC 3339 strings with nanoseconds; run_at
// additionally carries a unix-seconds mirror (run_at_s) so the Lua
// scripts can score pending entries without parsing timestamps.

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ── hash field helpers ───────────────────────────

// Optional fields are absent from the hash rather than stored empty;
// the Lua transitions clear them with HDEL.

func hashInt(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, v, err)
	}
	return n, nil
}

func hashInt64(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, v, err)
	}
	return n, nil
}

func hashTimePtr(fields map[string]string, key string) (*time.Time, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := decodeTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ── job hashes ───────────────────────────────────

// jobHashArgs flattens a job into HSET field-value pairs.
func jobHashArgs(j *job.Job) ([]any, error) {
	args := []any{
		"id", j.ID.String(),
		"queue", j.Queue,
		"kind", j.Kind,
		"state", string(j.State),
		"priority", strconv.Itoa(j.Priority),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"attempts", strconv.Itoa(j.Attempts),
		"progress", strconv.Itoa(j.Progress),
		"run_at", encodeTime(j.RunAt),
		"run_at_s", strconv.FormatInt(j.RunAt.Unix(), 10),
		"timeout", strconv.FormatInt(int64(j.Timeout), 10),
		"created_at", encodeTime(j.CreatedAt),
		"updated_at", encodeTime(j.UpdatedAt),
	}
	if len(j.Payload) > 0 {
		args = append(args, "payload", string(j.Payload))
	}
	if j.IdempotencyKey != "" {
		args = append(args, "idempotency_key", j.IdempotencyKey)
	}
	if !j.Backoff.IsZero() {
		raw, err := json.Marshal(j.Backoff)
		if err != nil {
			return nil, fmt.Errorf("marshal backoff: %w", err)
		}
		args = append(args, "backoff", string(raw))
	}
	if j.LastError != "" {
		args = append(args, "last_error", j.LastError)
	}
	if len(j.Result) > 0 {
		args = append(args, "result", string(j.Result))
	}
	if !j.WorkerID.IsNil() {
		args = append(args, "worker_id", j.WorkerID.String())
	}
	if j.LeaseExpiresAt != nil {
		args = append(args, "lease_expires_at", encodeTime(*j.LeaseExpiresAt))
	}
	if j.StartedAt != nil {
		args = append(args, "started_at", encodeTime(*j.StartedAt))
	}
	if j.CompletedAt != nil {
		args = append(args, "completed_at", encodeTime(*j.CompletedAt))
	}
	return args, nil
}

// parseJob rebuilds a job from its hash fields.
func parseJob(fields map[string]string) (*job.Job, error) {
	var (
		j   job.Job
		err error
	)
	if j.ID, err = id.Parse(fields["id"]); err != nil {
		return nil, err
	}
	j.Queue = fields["queue"]
	j.Kind = fields["kind"]
	if v := fields["payload"]; v != "" {
		j.Payload = []byte(v)
	}
	j.IdempotencyKey = fields["idempotency_key"]
	j.State = job.State(fields["state"])
	if j.Priority, err = hashInt(fields, "priority"); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = hashInt(fields, "max_attempts"); err != nil {
		return nil, err
	}
	if j.Attempts, err = hashInt(fields, "attempts"); err != nil {
		return nil, err
	}
	if v := fields["backoff"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Backoff); err != nil {
			return nil, fmt.Errorf("unmarshal backoff: %w", err)
		}
	}
	if j.Progress, err = hashInt(fields, "progress"); err != nil {
		return nil, err
	}
	j.LastError = fields["last_error"]
	if v := fields["result"]; v != "" {
		j.Result = []byte(v)
	}
	if v := fields["worker_id"]; v != "" {
		if j.WorkerID, err = id.Parse(v); err != nil {
			return nil, err
		}
	}
	if j.RunAt, err = decodeTime(fields["run_at"]); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = hashTimePtr(fields, "lease_expires_at"); err != nil {
		return nil, err
	}
	if j.StartedAt, err = hashTimePtr(fields, "started_at"); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = hashTimePtr(fields, "completed_at"); err != nil {
		return nil, err
	}
	var timeoutNS int64
	if timeoutNS, err = hashInt64(fields, "timeout"); err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeoutNS)
	if j.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = decodeTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	return &j, nil
}

// ── failure hashes ───────────────────────────────

func failureHashArgs(rec *dlq.Record) ([]any, error) {
	args := []any{
		"id", rec.ID.String(),
		"job_id", rec.JobID.String(),
		"kind", rec.Kind,
		"queue", rec.Queue,
		"priority", strconv.Itoa(rec.Priority),
		"max_attempts", strconv.Itoa(rec.MaxAttempts),
		"attempts", strconv.Itoa(rec.Attempts),
		"timeout", strconv.FormatInt(int64(rec.Timeout), 10),
		"error", rec.Error,
		"category", string(rec.Category),
		"reason", rec.Reason,
		"requeuable", strconv.FormatBool(rec.Requeuable),
		"failed_at", encodeTime(rec.FailedAt),
		"created_at", encodeTime(rec.CreatedAt),
	}
	if len(rec.Payload) > 0 {
		args = append(args, "payload", string(rec.Payload))
	}
	if !rec.Backoff.IsZero() {
		raw, err := json.Marshal(rec.Backoff)
		if err != nil {
			return nil, fmt.Errorf("marshal backoff: %w", err)
		}
		args = append(args, "backoff", string(raw))
	}
	if rec.RequeuedAt != nil {
		args = append(args, "requeued_at", encodeTime(*rec.RequeuedAt))
	}
	return args, nil
}

func parseFailure(fields map[string]string) (*dlq.Record, error) {
	var (
		rec dlq.Record
		err error
	)
	if rec.ID, err = id.Parse(fields["id"]); err != nil {
		return nil, err
	}
	if rec.JobID, err = id.Parse(fields["job_id"]); err != nil {
		return nil, err
	}
	rec.Kind = fields["kind"]
	rec.Queue = fields["queue"]
	if v := fields["payload"]; v != "" {
		rec.Payload = []byte(v)
	}
	if rec.Priority, err = hashInt(fields, "priority"); err != nil {
		return nil, err
	}
	if rec.MaxAttempts, err = hashInt(fields, "max_attempts"); err != nil {
		return nil, err
	}
	if rec.Attempts, err = hashInt(fields, "attempts"); err != nil {
		return nil, err
	}
	if v := fields["backoff"]; v != "" {
		if err := json.Unmarshal([]byte(v), &rec.Backoff); err != nil {
			return nil, fmt.Errorf("unmarshal backoff: %w", err)
		}
	}
	var timeoutNS int64
	if timeoutNS, err = hashInt64(fields, "timeout"); err != nil {
		return nil, err
	}
	rec.Timeout = time.Duration(timeoutNS)
	rec.Error = fields["error"]
	rec.Category = fault.Category(fields["category"])
	rec.Reason = fields["reason"]
	rec.Requeuable = fields["requeuable"] == "true"
	if rec.FailedAt, err = decodeTime(fields["failed_at"]); err != nil {
		return nil, err
	}
	if rec.RequeuedAt, err = hashTimePtr(fields, "requeued_at"); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = decodeTime(fields["created_at"]); err != nil {
		return nil, err
	}
	return &rec, nil
}
