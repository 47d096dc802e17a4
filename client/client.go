// Package client provides a Go client for operating a remote photoq
// instance over its HTTP admin API.
//
// Usage:
//
//	c := client.New("http://localhost:8080",
//	    client.WithToken("pq_..."),
//	)
//
//	// Enqueue a job.
//	j, err := c.Enqueue(ctx, "send-email", payload,
//	    client.WithQueue("email"),
//	)
//
//	// Inspect it later.
//	j, err = c.Job(ctx, j.ID)
//
// Requests and responses use the same JSON types the api package
// serves, so anything the server returns decodes into the engine's
// own entity types.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/health"
)

// Client talks to a remote photoq server's admin API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New creates a client for the server at baseURL, e.g.
// "http://localhost:8080". A trailing slash is tolerated.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the server, decoded from its
// JSON error body.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("photoq: server returned %d: %s", e.Status, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// Health fetches the node-wide health report.
func (c *Client) Health(ctx context.Context) (*health.Health, error) {
	var h health.Health
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Healthz probes the unauthenticated liveness endpoint. A nil error
// means the server is up and its store answers pings.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// do issues one request. A nil in sends no body; a nil out discards
// the response body. Non-2xx statuses become *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("photoq: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("photoq: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("photoq: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("photoq: decode response: %w", err)
	}
	return nil
}
