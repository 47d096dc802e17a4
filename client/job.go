package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Enqueue submits one job. The payload is marshalled to JSON; use
// json.RawMessage to pass pre-encoded bytes through unchanged, or nil
// for a payload-free job.
func (c *Client) Enqueue(ctx context.Context, kind string, payload any, opts ...EnqueueOption) (*job.Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("photoq: marshal payload: %w", err)
		}
		raw = b
	}

	req := api.EnqueueRequest{
		Kind:    kind,
		Payload: raw,
	}
	for _, opt := range opts {
		opt(&req)
	}

	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// BulkEnqueue submits a batch of jobs in order. The server stops at
// the first failure, so on error none or only a prefix were created.
func (c *Client) BulkEnqueue(ctx context.Context, reqs []api.EnqueueRequest) ([]*job.Job, error) {
	var jobs []*job.Job
	err := c.do(ctx, http.MethodPost, "/v1/jobs/bulk", api.BulkEnqueueRequest{Jobs: reqs}, &jobs)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Job retrieves a job by ID.
func (c *Client) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob cancels a waiting or delayed job and returns its final state.
func (c *Client) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// RetryJob puts a failed, delayed, or cancelled job back in line to run.
func (c *Client) RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+jobID.String()+"/retry", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// EnqueueOption configures an enqueue request.
type EnqueueOption func(*api.EnqueueRequest)

// WithQueue sets the target queue.
func WithQueue(queue string) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.Queue = queue }
}

// WithPriority sets the job priority. Higher runs first.
func WithPriority(priority int) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.Priority = priority }
}

// WithMaxAttempts caps the delivery attempts before dead-lettering.
func WithMaxAttempts(n int) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.MaxAttempts = n }
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(p backoff.Policy) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.Backoff = &p }
}

// WithDelay schedules the job to run after the given duration.
func WithDelay(d time.Duration) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.Delay = d }
}

// WithRunAt schedules the job to run at the given time.
func WithRunAt(t time.Time) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.RunAt = &t }
}

// WithJobTimeout bounds each attempt's execution time.
func WithJobTimeout(d time.Duration) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.Timeout = d }
}

// WithIdempotencyKey deduplicates enqueues within the target queue.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(r *api.EnqueueRequest) { r.IdempotencyKey = key }
}
