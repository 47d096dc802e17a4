package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobDeadLetteredEntry struct {
	name string
	hook JobDeadLettered
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type recurringFiredEntry struct {
	name string
	hook RecurringFired
}

type breakerStateChangedEntry struct {
	name string
	hook BreakerStateChanged
}

type workersScaledEntry struct {
	name string
	hook WorkersScaled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued         []jobEnqueuedEntry
	jobStarted          []jobStartedEntry
	jobCompleted        []jobCompletedEntry
	jobFailed           []jobFailedEntry
	jobRetrying         []jobRetryingEntry
	jobDeadLettered     []jobDeadLetteredEntry
	jobCancelled        []jobCancelledEntry
	recurringFired      []recurringFiredEntry
	breakerStateChanged []breakerStateChangedEntry
	workersScaled       []workersScaledEntry
	shutdown            []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobDeadLettered); ok {
		r.jobDeadLettered = append(r.jobDeadLettered, jobDeadLetteredEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(RecurringFired); ok {
		r.recurringFired = append(r.recurringFired, recurringFiredEntry{name, h})
	}
	if h, ok := e.(BreakerStateChanged); ok {
		r.breakerStateChanged = append(r.breakerStateChanged, breakerStateChangedEntry{name, h})
	}
	if h, ok := e.(WorkersScaled); ok {
		r.workersScaled = append(r.workersScaled, workersScaledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, delay time.Duration) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, delay); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobDeadLettered notifies all extensions that implement JobDeadLettered.
func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, rec *dlq.Record) {
	for _, e := range r.jobDeadLettered {
		if err := e.hook.OnJobDeadLettered(ctx, j, rec); err != nil {
			r.logHookError("OnJobDeadLettered", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Coordination event emitters
// ──────────────────────────────────────────────────

// EmitRecurringFired notifies all extensions that implement RecurringFired.
func (r *Registry) EmitRecurringFired(ctx context.Context, specName string, jobID id.JobID) {
	for _, e := range r.recurringFired {
		if err := e.hook.OnRecurringFired(ctx, specName, jobID); err != nil {
			r.logHookError("OnRecurringFired", e.name, err)
		}
	}
}

// EmitBreakerStateChanged notifies all extensions that implement
// BreakerStateChanged.
func (r *Registry) EmitBreakerStateChanged(ctx context.Context, queue string, from, to breaker.State) {
	for _, e := range r.breakerStateChanged {
		if err := e.hook.OnBreakerStateChanged(ctx, queue, from, to); err != nil {
			r.logHookError("OnBreakerStateChanged", e.name, err)
		}
	}
}

// EmitWorkersScaled notifies all extensions that implement WorkersScaled.
func (r *Registry) EmitWorkersScaled(ctx context.Context, queue string, from, to int, reason string) {
	for _, e := range r.workersScaled {
		if err := e.hook.OnWorkersScaled(ctx, queue, from, to, reason); err != nil {
			r.logHookError("OnWorkersScaled", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
