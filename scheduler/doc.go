// Package scheduler is the producer-facing half of the engine: it
// validates and persists new jobs, routes failed attempts to a retry
// or the dead letter queue, and spawns jobs from recurring specs.
//
// Enqueue accepts only kinds registered in the job registry and only
// queues that already exist; both are configuration faults callers see
// synchronously, never at processing time. Failure routing classifies
// the handler error exactly once: non-retryable categories and
// exhausted attempt budgets dead-letter, everything else reschedules
// with the job's backoff policy.
//
// The recurring loop ticks every RecurringInterval and fires due specs
// under a store-level TTL lock, so coordinators sharing a store fire
// each spec once per due time. Spawned jobs carry the due time as an
// idempotency key as a second line of defense.
package scheduler
