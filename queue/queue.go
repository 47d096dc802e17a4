package queue

import (
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
)

// RateLimit caps how many jobs may be claimed from a queue per window.
// A zero Max disables the limit.
type RateLimit struct {
	Max    int           `json:"max"`
	Window time.Duration `json:"window"`
}

// Enabled reports whether the limit participates in claim gating.
func (r RateLimit) Enabled() bool { return r.Max > 0 }

// CleanupPolicy bounds retention of terminal jobs. Zero values retain
// jobs indefinitely.
type CleanupPolicy struct {
	// MaxAge removes terminal jobs that finished longer ago than this.
	MaxAge time.Duration `json:"max_age,omitzero"`

	// MaxCount keeps at most this many terminal jobs in the queue.
	MaxCount int `json:"max_count,omitzero"`
}

// Enabled reports whether the cleanup sweep touches this queue.
func (p CleanupPolicy) Enabled() bool { return p.MaxAge > 0 || p.MaxCount > 0 }

// ScalePolicy bounds automatic worker scaling for a queue. A zero Max
// disables auto-scaling; manual ScaleWorkers calls still work.
type ScalePolicy struct {
	Min int `json:"min"`
	Max int `json:"max"`

	// Step caps how many slots a single adjustment may add or remove.
	Step int `json:"step,omitzero"`

	// Cooldown blocks a direction reversal for this long after an
	// adjustment, so the pool keeps ramping but does not oscillate.
	Cooldown time.Duration `json:"cooldown,omitzero"`

	// TargetDrain is how quickly a backlog should clear: the scaler
	// sizes the pool so ready jobs drain within this duration at the
	// observed per-worker throughput.
	TargetDrain time.Duration `json:"target_drain,omitzero"`
}

// Enabled reports whether auto-scaling drives this queue's pool.
func (s ScalePolicy) Enabled() bool { return s.Max > 0 }

// Config defines per-queue behaviour. Zero fields fall back to
// DefaultConfig values via Normalize. Changes apply to jobs scheduled
// after the update; already-queued jobs keep the options they were
// enqueued with.
type Config struct {
	// MaxAttempts is the execution budget for jobs that do not set
	// their own.
	MaxAttempts int `json:"max_attempts"`

	// Backoff is the default retry delay policy.
	Backoff backoff.Policy `json:"backoff,omitzero"`

	// Timeout is the default per-job execution deadline. Zero leaves
	// the lease sweep as the only backstop.
	Timeout time.Duration `json:"timeout,omitzero"`

	// LeaseDuration is how long a claim stays valid without a renewal.
	LeaseDuration time.Duration `json:"lease_duration"`

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously across the local worker pool. Zero means no
	// queue-specific cap (pool concurrency still applies).
	MaxConcurrency int `json:"max_concurrency,omitzero"`

	// RateLimit caps the sustained claim rate.
	RateLimit RateLimit `json:"rate_limit,omitzero"`

	// Breaker guards the queue's processing target.
	Breaker breaker.Config `json:"breaker,omitzero"`

	// Cleanup bounds retention of completed and failed jobs.
	Cleanup CleanupPolicy `json:"cleanup,omitzero"`

	// Scale bounds automatic worker scaling.
	Scale ScalePolicy `json:"scale,omitzero"`
}

// DefaultConfig returns the configuration applied to queues created
// without one.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		Backoff:       backoff.Default(),
		LeaseDuration: 30 * time.Second,
		Breaker:       breaker.DefaultConfig(),
	}
}

// Normalize fills zero fields from DefaultConfig.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	c.Backoff = c.Backoff.Or(def.Backoff)
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	return c
}

// Validate reports configuration errors. All carry the Configuration
// fault category: they fail the operation synchronously and are never
// enqueued.
func (c Config) Validate() error {
	if c.MaxAttempts < 0 {
		return fault.Newf(fault.CategoryConfiguration, "max attempts must not be negative, got %d", c.MaxAttempts)
	}
	if !c.Backoff.IsZero() {
		if err := c.Backoff.Validate(); err != nil {
			return fault.Configuration(err)
		}
	}
	if c.LeaseDuration < 0 {
		return fault.Newf(fault.CategoryConfiguration, "lease duration must not be negative, got %s", c.LeaseDuration)
	}
	if c.MaxConcurrency < 0 {
		return fault.Newf(fault.CategoryConfiguration, "max concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	if c.RateLimit.Max < 0 {
		return fault.Newf(fault.CategoryConfiguration, "rate limit max must not be negative, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Enabled() && c.RateLimit.Window <= 0 {
		return fault.Newf(fault.CategoryConfiguration, "rate limit window must be positive")
	}
	if err := c.Breaker.Validate(); err != nil {
		return fault.Configuration(err)
	}
	if c.Scale.Enabled() {
		if c.Scale.Min < 0 {
			return fault.Newf(fault.CategoryConfiguration, "scale min must not be negative, got %d", c.Scale.Min)
		}
		if c.Scale.Min > c.Scale.Max {
			return fault.Newf(fault.CategoryConfiguration, "scale min %d above max %d", c.Scale.Min, c.Scale.Max)
		}
	}
	return nil
}

// Queue is a named, independently configured collection of jobs.
// Created on first registration and destroyed only by explicit
// administrative action.
type Queue struct {
	photoq.Entity

	ID     id.QueueID `json:"id"`
	Name   string     `json:"name"`
	Config Config     `json:"config"`
	Paused bool       `json:"paused,omitzero"`
}

// New returns a Queue with a fresh ID and normalized configuration.
func New(name string, cfg Config) *Queue {
	return &Queue{
		Entity: photoq.NewEntity(),
		ID:     id.NewQueueID(),
		Name:   name,
		Config: cfg.Normalize(),
	}
}
