package job

import (
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible and waiting for a worker.
	StateWaiting State = "waiting"
	// StateDelayed means the job becomes eligible at a future RunAt
	// (initial delay or a scheduled retry).
	StateDelayed State = "delayed"
	// StateActive means a worker holds the job under a live lease.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled before
	// any worker claimed it.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Claimable reports whether a job in this state may be handed to a
// worker once its RunAt has passed.
func (s State) Claimable() bool {
	return s == StateWaiting || s == StateDelayed
}

// Job represents a unit of work to be processed by a worker.
//
// A job is in exactly one state at a time. While active it carries its
// lease inline: WorkerID names the holder and LeaseExpiresAt the
// heartbeat deadline; if the deadline passes without renewal the sweep
// reclaims the job. All claim, complete, and reschedule transitions are
// compare-and-set operations in the store, so no two workers ever
// observe the same job as claimable simultaneously.
type Job struct {
	photoq.Entity

	ID             id.JobID       `json:"id"`
	Queue          string         `json:"queue"`
	Kind           string         `json:"kind"`
	Payload        []byte         `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	State          State          `json:"state"`
	Priority       int            `json:"priority"`
	MaxAttempts    int            `json:"max_attempts"`
	Attempts       int            `json:"attempts"`
	Backoff        backoff.Policy `json:"backoff,omitzero"`
	Progress       int            `json:"progress,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Result         []byte         `json:"result,omitempty"`
	WorkerID       id.WorkerID    `json:"worker_id,omitzero"`
	RunAt          time.Time      `json:"run_at"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
}

// LeaseExpired reports whether the job is active with a lease deadline
// at or before now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State == StateActive && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.State.Claimable() && !j.RunAt.After(now)
}
