package middleware

import (
	"context"

	"github.com/Vanuan/photoq/job"
)

// Timeout returns middleware that enforces the job's execution timeout.
// Jobs without a timeout run unbounded.
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		tctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()
		return next(tctx)
	}
}
