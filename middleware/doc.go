// Package middleware provides composable middleware for job execution.
//
// A [Middleware] is a function that wraps a job handler. Middleware are
// composed into a chain using [Chain] and applied before each job executes.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// logging → recover → timeout → handler
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Timeout(),
//	)
//
// # Built-in Middleware
//
//   - [Logging] logs job kind, queue, duration, and outcome at each execution
//   - [Recover] catches panics and converts them to non-retryable errors
//   - [Timeout] cancels the job context after the job's configured timeout
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-job duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting (e.g., circuit breaking, rate limiting).
package middleware
