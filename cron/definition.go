package cron

import (
	"time"

	"github.com/Vanuan/photoq/backoff"
)

// Definition is a typed recurring-schedule definition. T is the payload
// type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this schedule, e.g.
	// "nightly-library-scan".
	Name string

	// Schedule is a cron expression (e.g. "0 3 * * *") or a descriptor
	// like "@every 30s".
	Schedule string

	// Kind is the registered job kind spawned on each fire.
	Kind string

	// Payload is marshalled once at registration and attached to every
	// spawned job.
	Payload T

	// Queue overrides the default job queue (optional).
	Queue string

	// Timezone is an IANA zone name the schedule is evaluated in.
	// Empty means UTC.
	Timezone string

	// Template options applied to each spawned job. Zero values defer
	// to the queue defaults.
	Priority    int
	MaxAttempts int
	Backoff     backoff.Policy
	Timeout     time.Duration
}
