package job

import (
	"time"

	"github.com/Vanuan/photoq/backoff"
)

// Options configures per-job behavior such as attempts, priority, and
// scheduling.
type Options struct {
	// Queue is the queue name this job should be enqueued to.
	// Empty means the coordinator's default queue.
	Queue string

	// Priority determines claim ordering. Higher values are served first.
	Priority int

	// MaxAttempts is the total processing attempts before the job is
	// dead-lettered. Zero means the queue default.
	MaxAttempts int

	// Backoff overrides the queue's retry delay policy. Zero means the
	// queue default.
	Backoff backoff.Policy

	// Delay postpones eligibility by a duration from enqueue time.
	Delay time.Duration

	// RunAt postpones eligibility to an absolute time. Takes precedence
	// over Delay when set.
	RunAt time.Time

	// Timeout is the maximum duration a job may run before its context
	// is cancelled. Zero means unlimited.
	Timeout time.Duration

	// IdempotencyKey deduplicates enqueues: within a queue, a second
	// enqueue carrying the same key returns the existing job.
	IdempotencyKey string
}

// DefaultOptions returns Options with engine defaults. Zero values defer
// to the owning queue's configuration.
func DefaultOptions() Options {
	return Options{
		Timeout: 5 * time.Minute,
	}
}

// Option is a functional option for configuring an enqueue or a job
// definition.
type Option func(*Options)

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are served first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithMaxAttempts sets the total attempt budget before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithBackoff overrides the queue's retry delay policy for this job.
func WithBackoff(p backoff.Policy) Option {
	return func(o *Options) {
		o.Backoff = p
	}
}

// WithDelay postpones eligibility by d from enqueue time.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithIdempotencyKey sets the producer-side deduplication key.
func WithIdempotencyKey(key string) Option {
	return func(o *Options) {
		o.IdempotencyKey = key
	}
}
