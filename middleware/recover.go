package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/job"
)

// Recover returns middleware that converts handler panics into errors.
// A panic is treated as a handler bug and classified as a logic fault,
// which routes the job to the dead letter queue instead of retrying.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("kind", j.Kind),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fault.Logic(fmt.Errorf("panic in job %s: %v", j.Kind, r))
			}
		}()
		return next(ctx)
	}
}
