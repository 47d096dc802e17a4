package photoq

import "time"

// Config holds configuration for the Coordinator.
type Config struct {
	// DefaultQueue is the queue used when an enqueue names none.
	DefaultQueue string

	// Concurrency is the default number of claim slots per registered
	// worker.
	Concurrency int

	// PollInterval is the fallback claim poll cadence when no wakeup
	// signal arrives.
	PollInterval time.Duration

	// LeaseDuration is how long a claimed job is owned before its lease
	// must be renewed.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often in-flight jobs renew their leases.
	HeartbeatInterval time.Duration

	// SweepInterval is how often the expired-lease sweep runs.
	SweepInterval time.Duration

	// RecurringInterval is how often due recurring specs are dispatched.
	RecurringInterval time.Duration

	// CleanupInterval is how often terminal jobs are pruned per queue
	// cleanup policy.
	CleanupInterval time.Duration

	// SampleInterval is how often the health monitor samples queue state.
	SampleInterval time.Duration

	// ScaleInterval is how often the autoscaler evaluates queues.
	ScaleInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultQueue:      "default",
		Concurrency:       4,
		PollInterval:      500 * time.Millisecond,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		SweepInterval:     5 * time.Second,
		RecurringInterval: 1 * time.Second,
		CleanupInterval:   1 * time.Minute,
		SampleInterval:    5 * time.Second,
		ScaleInterval:     15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}
