package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/health"
	"github.com/Vanuan/photoq/queue"
)

// CreateQueue creates a queue. A nil cfg uses the server's default
// queue configuration.
func (c *Client) CreateQueue(ctx context.Context, name string, cfg *queue.Config) (*queue.Queue, error) {
	var q queue.Queue
	req := api.CreateQueueRequest{Name: name, Config: cfg}
	if err := c.do(ctx, http.MethodPost, "/v1/queues", req, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Queues lists all queues.
func (c *Client) Queues(ctx context.Context) ([]*queue.Queue, error) {
	var qs []*queue.Queue
	if err := c.do(ctx, http.MethodGet, "/v1/queues", nil, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

// Queue retrieves a queue by name.
func (c *Client) Queue(ctx context.Context, name string) (*queue.Queue, error) {
	var q queue.Queue
	if err := c.do(ctx, http.MethodGet, queuePath(name, ""), nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// UpdateQueue replaces a queue's configuration.
func (c *Client) UpdateQueue(ctx context.Context, name string, cfg queue.Config) (*queue.Queue, error) {
	var q queue.Queue
	if err := c.do(ctx, http.MethodPut, queuePath(name, ""), cfg, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// DeleteQueue removes a queue.
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, queuePath(name, ""), nil, nil)
}

// PauseQueue stops claims from a queue. Enqueues still land.
func (c *Client) PauseQueue(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, queuePath(name, "pause"), nil, nil)
}

// ResumeQueue lifts a pause.
func (c *Client) ResumeQueue(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, queuePath(name, "resume"), nil, nil)
}

// QueueStatus fetches one queue's health sample: depth, rates, breaker
// state, and worker counts.
func (c *Client) QueueStatus(ctx context.Context, name string) (*health.QueueStats, error) {
	var stats health.QueueStats
	if err := c.do(ctx, http.MethodGet, queuePath(name, "status"), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func queuePath(name, action string) string {
	p := "/v1/queues/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}
