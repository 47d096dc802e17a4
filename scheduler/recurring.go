package scheduler

import (
	"context"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
)

// cronParser accepts standard 5-field cron and descriptors like
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// RecurringSpec is a cron-like recurrence rule plus the template for
// the jobs it spawns. Its lifecycle is independent of any spawned job:
// removing a spec does not cancel jobs already spawned from it.
type RecurringSpec struct {
	photoq.Entity

	ID       id.RecurringID `json:"id"`
	Name     string         `json:"name"`
	Queue    string         `json:"queue"`
	Kind     string         `json:"kind"`
	Payload  []byte         `json:"payload,omitempty"`
	Schedule string         `json:"schedule"`

	// Timezone is an IANA zone name the schedule is evaluated in.
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// StartAt and EndAt bound the firing window. Nil leaves the bound
	// open. No job is spawned before StartAt or after EndAt.
	StartAt *time.Time `json:"start_at,omitempty"`
	EndAt   *time.Time `json:"end_at,omitempty"`

	// MaxRuns limits total fires. Zero means unlimited.
	MaxRuns int `json:"max_runs,omitempty"`
	Runs    int `json:"runs"`

	// Template options applied to each spawned job. Zero values defer
	// to the queue defaults.
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Backoff     backoff.Policy `json:"backoff,omitzero"`
	Timeout     time.Duration  `json:"timeout,omitempty"`

	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Validate reports specification errors as Configuration faults.
func (r *RecurringSpec) Validate() error {
	if r.Name == "" {
		return fault.Newf(fault.CategoryConfiguration, "recurring spec name must not be empty")
	}
	if r.Kind == "" {
		return fault.Newf(fault.CategoryConfiguration, "recurring spec kind must not be empty")
	}
	if r.Queue == "" {
		return fault.Newf(fault.CategoryConfiguration, "recurring spec queue must not be empty")
	}
	if _, err := ParseSchedule(r.Schedule); err != nil {
		return fault.Newf(fault.CategoryConfiguration, "invalid schedule %q: %v", r.Schedule, err)
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fault.Newf(fault.CategoryConfiguration, "invalid timezone %q: %v", r.Timezone, err)
		}
	}
	if r.StartAt != nil && r.EndAt != nil && !r.EndAt.After(*r.StartAt) {
		return fault.Newf(fault.CategoryConfiguration, "end bound %s not after start bound %s", r.EndAt, r.StartAt)
	}
	if r.MaxRuns < 0 {
		return fault.Newf(fault.CategoryConfiguration, "max runs must not be negative, got %d", r.MaxRuns)
	}
	if !r.Backoff.IsZero() {
		if err := r.Backoff.Validate(); err != nil {
			return fault.Configuration(err)
		}
	}
	return nil
}

// Location returns the zone the schedule is evaluated in.
func (r *RecurringSpec) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Exhausted reports whether the spec will never fire again: its run
// limit is reached or its end bound has passed.
func (r *RecurringSpec) Exhausted(now time.Time) bool {
	if r.MaxRuns > 0 && r.Runs >= r.MaxRuns {
		return true
	}
	if r.EndAt != nil && now.After(*r.EndAt) {
		return true
	}
	return false
}

// NextAfter computes the next fire time strictly after t, honoring
// timezone and start/end bounds. ok is false when no further fire is
// possible.
func (r *RecurringSpec) NextAfter(t time.Time, sched cronlib.Schedule) (next time.Time, ok bool) {
	if r.MaxRuns > 0 && r.Runs >= r.MaxRuns {
		return time.Time{}, false
	}

	base := t
	if r.StartAt != nil && base.Before(*r.StartAt) {
		// Allow a fire exactly at the start bound.
		base = r.StartAt.Add(-time.Second)
	}

	next = sched.Next(base.In(r.Location())).UTC()
	if next.IsZero() {
		return time.Time{}, false
	}
	if r.EndAt != nil && next.After(*r.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

// RecurringStore defines the persistence contract for recurring specs.
type RecurringStore interface {
	// CreateRecurring persists a new spec. Returns
	// ErrDuplicateRecurring if the name is taken.
	CreateRecurring(ctx context.Context, spec *RecurringSpec) error

	// GetRecurring retrieves a spec by ID. Returns
	// ErrRecurringNotFound if absent.
	GetRecurring(ctx context.Context, recurringID id.RecurringID) (*RecurringSpec, error)

	// GetRecurringByName retrieves a spec by its unique name.
	GetRecurringByName(ctx context.Context, name string) (*RecurringSpec, error)

	// ListRecurring returns all specs.
	ListRecurring(ctx context.Context) ([]*RecurringSpec, error)

	// UpdateRecurring persists run-count, bound, and enablement changes.
	UpdateRecurring(ctx context.Context, spec *RecurringSpec) error

	// DeleteRecurring removes a spec. Jobs already spawned from it are
	// untouched.
	DeleteRecurring(ctx context.Context, recurringID id.RecurringID) error

	// AcquireRecurringLock takes a TTL lock on one spec so a fire
	// happens on exactly one node. Reports whether the lock was won.
	AcquireRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID, ttl time.Duration) (bool, error)

	// ReleaseRecurringLock releases a lock taken by this worker.
	ReleaseRecurringLock(ctx context.Context, recurringID id.RecurringID, workerID id.WorkerID) error
}
