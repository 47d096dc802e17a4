package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Failures lists dead-letter records, newest first.
func (c *Client) Failures(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Record, error) {
	q := url.Values{}
	if opts.Queue != "" {
		q.Set("queue", opts.Queue)
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		q.Set("until", opts.Until.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/v1/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var recs []*dlq.Record
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Failure retrieves one dead-letter record.
func (c *Client) Failure(ctx context.Context, failureID id.FailureID) (*dlq.Record, error) {
	var rec dlq.Record
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/"+failureID.String(), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RequeueFailure resubmits a dead-lettered job and returns the fresh job.
func (c *Client) RequeueFailure(ctx context.Context, failureID id.FailureID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+failureID.String()+"/requeue", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// PurgeFailures deletes dead-letter records and reports how many were
// removed. An empty queue matches all queues; a zero olderThan purges
// regardless of age.
func (c *Client) PurgeFailures(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	req := api.PurgeDLQRequest{Queue: queue, OlderThan: olderThan}
	var resp api.PurgeDLQResponse
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/purge", req, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// CountFailures counts dead-letter records, optionally per queue.
func (c *Client) CountFailures(ctx context.Context, queue string) (int64, error) {
	path := "/v1/dlq/count"
	if queue != "" {
		path += "?queue=" + url.QueryEscape(queue)
	}
	var resp api.DLQCountResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}
