// Package queue defines queue configuration and the registry that owns
// the set of logical queues.
//
// Queues are named, independently configured collections of jobs. Jobs
// carry a Queue field naming the queue they belong to; workers claim
// from the queues they were registered for.
//
// # Per-Queue Configuration
//
// [Config] sets job defaults (attempt budget, backoff, timeout), the
// lease duration, and the claim-side gates:
//
//	queue.Config{
//	    MaxAttempts:    5,
//	    Backoff:        backoff.Exponential(time.Second, time.Minute),
//	    MaxConcurrency: 8,                                     // at most 8 running at once
//	    RateLimit:      queue.RateLimit{Max: 100, Window: time.Minute},
//	    Breaker:        breaker.DefaultConfig(),
//	    Cleanup:        queue.CleanupPolicy{MaxAge: 24 * time.Hour},
//	}
//
// Configuration changes apply to subsequently scheduled jobs only;
// already-queued jobs keep the options they were enqueued with.
//
// # Registry
//
// [Registry] persists queue definitions through a [Store] and owns the
// runtime state the claim path gates on: pause flag, token-bucket rate
// limiter (golang.org/x/time/rate), active count, and circuit breaker.
//
//	reg := queue.NewRegistry(store)
//	if err := reg.Acquire(name); err == nil {
//	    defer reg.Release(name)
//	    // claim and process one job
//	}
//
// Acquire returns ErrQueuePaused, ErrBreakerOpen, or ErrThrottled when
// the corresponding gate denies the claim.
package queue
