// Package breaker implements the per-queue circuit breaker consulted
// before job claims. It guards a queue's processing target from being
// hammered by a flood of retrying jobs while the target is unhealthy.
//
// State transitions are expressed as a pure function (Transition) over an
// explicit Snapshot so the state machine is testable independent of
// timers; Breaker wraps it with the locking and trial accounting the
// claim loop needs.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position for a target.
type State string

const (
	// StateClosed allows all attempts.
	StateClosed State = "closed"

	// StateOpen denies all attempts until the reset timeout elapses.
	StateOpen State = "open"

	// StateHalfOpen allows a bounded number of trial attempts.
	StateHalfOpen State = "half-open"
)

// Event is an input to the breaker state machine.
type Event string

const (
	// EventSuccess records a successful attempt against the target.
	EventSuccess Event = "success"

	// EventFailure records a failed attempt against the target.
	EventFailure Event = "failure"

	// EventTimer asks an open breaker whether its reset timeout elapsed.
	EventTimer Event = "timer"
)

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips a
	// closed breaker. Zero disables the breaker entirely.
	FailureThreshold int `json:"failure_threshold"`

	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold int `json:"success_threshold"`

	// ResetTimeout is how long an open breaker denies attempts before
	// moving to half-open.
	ResetTimeout time.Duration `json:"reset_timeout"`

	// HalfOpenMax bounds concurrent trial attempts while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultConfig returns the thresholds used when a queue enables the
// breaker without tuning it.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Enabled reports whether the breaker participates in claim gating.
func (c Config) Enabled() bool { return c.FailureThreshold > 0 }

// Validate checks the config for use in queue configuration.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker: success threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("breaker: reset timeout must be positive, got %s", c.ResetTimeout)
	}
	if c.HalfOpenMax < 1 {
		return fmt.Errorf("breaker: half-open max must be >= 1, got %d", c.HalfOpenMax)
	}
	return nil
}

// Snapshot is the complete observable breaker state for one target.
type Snapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	ChangedAt   time.Time `json:"changed_at"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
}

// Transition applies one event to a snapshot and returns the next
// snapshot. It is a pure function: same inputs, same output.
func Transition(s Snapshot, ev Event, now time.Time, cfg Config) Snapshot {
	switch s.State {
	case StateClosed, "":
		s.State = StateClosed
		switch ev {
		case EventSuccess:
			s.Failures = 0
		case EventFailure:
			s.Failures++
			if cfg.FailureThreshold > 0 && s.Failures >= cfg.FailureThreshold {
				return open(now, cfg)
			}
		}

	case StateOpen:
		if ev == EventTimer && !now.Before(s.NextAttempt) {
			s.State = StateHalfOpen
			s.Failures = 0
			s.Successes = 0
			s.ChangedAt = now
			s.NextAttempt = time.Time{}
		}

	case StateHalfOpen:
		switch ev {
		case EventSuccess:
			s.Successes++
			if s.Successes >= cfg.SuccessThreshold {
				s.State = StateClosed
				s.Failures = 0
				s.Successes = 0
				s.ChangedAt = now
			}
		case EventFailure:
			// Any single trial failure reopens immediately.
			return open(now, cfg)
		}
	}

	return s
}

func open(now time.Time, cfg Config) Snapshot {
	return Snapshot{
		State:       StateOpen,
		ChangedAt:   now,
		NextAttempt: now.Add(cfg.ResetTimeout),
	}
}

// TransitionFunc observes breaker state changes. Called outside the
// breaker lock, at transition points only.
type TransitionFunc func(from, to State, at time.Time)

// Breaker tracks one target's state and gates attempts against it.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	snap     Snapshot
	inFlight int // reserved half-open trials not yet resolved

	// pending collects transitions observed under the lock; notify
	// drains it after unlock so observer callbacks never run inside
	// the mutex.
	pending      []transition
	onTransition TransitionFunc
}

type transition struct {
	from, to State
	at       time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithTransitionFunc registers a state-change observer.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a Breaker in the closed state.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:  cfg,
		snap: Snapshot{State: StateClosed, ChangedAt: time.Now().UTC()},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an attempt against the target may proceed.
// An open breaker lazily moves to half-open once its reset timeout has
// elapsed; the caller that observes the move takes the first trial slot.
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled() {
		return true
	}

	b.mu.Lock()
	now := time.Now().UTC()

	var allowed bool
	switch b.snap.State {
	case StateClosed, "":
		allowed = true
	case StateOpen:
		b.apply(EventTimer, now)
		if b.snap.State == StateHalfOpen {
			b.inFlight = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.inFlight < b.cfg.HalfOpenMax {
			b.inFlight++
			allowed = true
		}
	}

	b.mu.Unlock()
	b.notify()
	return allowed
}

// RecordSuccess resolves an attempt as successful.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled() {
		return
	}

	b.mu.Lock()
	b.releaseTrial()
	b.apply(EventSuccess, time.Now().UTC())
	b.mu.Unlock()
	b.notify()
}

// RecordFailure resolves an attempt as failed.
func (b *Breaker) RecordFailure() {
	if !b.cfg.Enabled() {
		return
	}

	b.mu.Lock()
	b.releaseTrial()
	b.apply(EventFailure, time.Now().UTC())
	b.mu.Unlock()
	b.notify()
}

// Cancel releases a trial reservation taken by Allow without recording
// an outcome. Callers use it when the permitted attempt never ran, for
// example when no job was ready to claim.
func (b *Breaker) Cancel() {
	if !b.cfg.Enabled() {
		return
	}

	b.mu.Lock()
	b.releaseTrial()
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled() {
		return StateClosed
	}
	return b.snap.State
}

// Snapshot returns a copy of the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.snap.State
	now := time.Now().UTC()
	b.snap = Snapshot{State: StateClosed, ChangedAt: now}
	b.inFlight = 0
	if from != StateClosed && b.onTransition != nil {
		b.pending = append(b.pending, transition{from: from, to: StateClosed, at: now})
	}
	b.mu.Unlock()
	b.notify()
}

// ── internal ──

func (b *Breaker) apply(ev Event, now time.Time) {
	from := b.snap.State
	b.snap = Transition(b.snap, ev, now, b.cfg)
	if b.snap.State != from {
		if b.snap.State != StateHalfOpen {
			b.inFlight = 0
		}
		if b.onTransition != nil {
			b.pending = append(b.pending, transition{from: from, to: b.snap.State, at: b.snap.ChangedAt})
		}
	}
}

func (b *Breaker) releaseTrial() {
	if b.snap.State == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

func (b *Breaker) notify() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, tr := range batch {
		b.onTransition(tr.from, tr.to, tr.at)
	}
}
