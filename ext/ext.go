// Package ext defines the extension system for photoq. Extensions are
// notified of lifecycle events (job enqueued, completed, dead-lettered,
// breaker transitions, scaling decisions) and can react to them —
// metrics, auditing, external publication.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a failed job is rescheduled for another
// attempt after a backoff delay.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, delay time.Duration) error
}

// JobDeadLettered is called when a job is captured in the dead letter
// queue.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, rec *dlq.Record) error
}

// JobCancelled is called when a job is cancelled before any worker
// claimed it.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Coordination hooks
// ──────────────────────────────────────────────────

// RecurringFired is called when a recurring spec fires and spawns a job.
type RecurringFired interface {
	OnRecurringFired(ctx context.Context, specName string, jobID id.JobID) error
}

// BreakerStateChanged is called on every circuit breaker transition.
type BreakerStateChanged interface {
	OnBreakerStateChanged(ctx context.Context, queue string, from, to breaker.State) error
}

// WorkersScaled is called when a queue's worker pool is resized,
// manually or by the autoscaler.
type WorkersScaled interface {
	OnWorkersScaled(ctx context.Context, queue string, from, to int, reason string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
