package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/worker"
)

// Workers lists the server's worker handles.
func (c *Client) Workers(ctx context.Context) ([]worker.Handle, error) {
	var hs []worker.Handle
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &hs); err != nil {
		return nil, err
	}
	return hs, nil
}

// ScaleWorkers resizes a queue's worker pool to an absolute slot count
// and returns the resulting handle. Zero parks the worker.
func (c *Client) ScaleWorkers(ctx context.Context, queue string, target int) (*worker.Handle, error) {
	var h worker.Handle
	path := "/v1/workers/" + url.PathEscape(queue) + "/scale"
	if err := c.do(ctx, http.MethodPost, path, api.ScaleRequest{Target: target}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
