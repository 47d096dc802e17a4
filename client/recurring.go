package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/scheduler"
)

// Recurring lists all recurring schedules.
func (c *Client) Recurring(ctx context.Context) ([]*scheduler.RecurringSpec, error) {
	var specs []*scheduler.RecurringSpec
	if err := c.do(ctx, http.MethodGet, "/v1/recurring", nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// CreateRecurring registers a recurring schedule.
func (c *Client) CreateRecurring(ctx context.Context, req api.CreateRecurringRequest) (*scheduler.RecurringSpec, error) {
	var spec scheduler.RecurringSpec
	if err := c.do(ctx, http.MethodPost, "/v1/recurring", req, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// DeleteRecurring removes a recurring schedule by name.
func (c *Client) DeleteRecurring(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/recurring/"+url.PathEscape(name), nil, nil)
}

// EnableRecurring turns a schedule on.
func (c *Client) EnableRecurring(ctx context.Context, name string) (*scheduler.RecurringSpec, error) {
	return c.setRecurringEnabled(ctx, name, "enable")
}

// DisableRecurring turns a schedule off without deleting it.
func (c *Client) DisableRecurring(ctx context.Context, name string) (*scheduler.RecurringSpec, error) {
	return c.setRecurringEnabled(ctx, name, "disable")
}

func (c *Client) setRecurringEnabled(ctx context.Context, name, action string) (*scheduler.RecurringSpec, error) {
	var spec scheduler.RecurringSpec
	path := "/v1/recurring/" + url.PathEscape(name) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
