// Package ext defines the extension system for photoq.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit trails, publishing to a message
// broker. Each lifecycle hook is a separate interface so extensions
// opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued] — job was accepted into the queue
//   - [JobStarted] — worker began executing the job
//   - [JobCompleted] — job finished successfully
//   - [JobFailed] — job failed with no retries remaining
//   - [JobRetrying] — job failed but will be retried after a delay
//   - [JobDeadLettered] — job was captured in the dead letter queue
//   - [JobCancelled] — job was cancelled before any claim
//
// # Coordination Hooks
//
//   - [RecurringFired] — a recurring spec fired and spawned a job
//   - [BreakerStateChanged] — a queue's circuit breaker transitioned
//   - [WorkersScaled] — a queue's worker pool was resized
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
