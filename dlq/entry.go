package dlq

import (
	"time"

	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
)

// Reasons a job lands in the dead letter queue.
const (
	// ReasonMaxRetries means the retry budget was exhausted by
	// retryable failures.
	ReasonMaxRetries = "max_retries_exceeded"

	// ReasonNonRetryable means the failure was classified Data or
	// Logic and retrying could not help.
	ReasonNonRetryable = "non_retryable"

	// ReasonSecurity means the failure was an authorization denial.
	// These records are audited and cannot be requeued.
	ReasonSecurity = "security"

	// ReasonStalled means the job's lease expired repeatedly until its
	// attempt budget ran out, typically from worker crashes.
	ReasonStalled = "stalled"
)

// Record is a snapshot of a job at the moment retries were exhausted
// or the job was deemed non-retryable. It carries everything needed to
// rebuild the job on a manual requeue.
type Record struct {
	ID          id.FailureID   `json:"id"`
	JobID       id.JobID       `json:"job_id"`
	Kind        string         `json:"kind"`
	Queue       string         `json:"queue"`
	Payload     []byte         `json:"payload"`
	Priority    int            `json:"priority,omitempty"`
	MaxAttempts int            `json:"max_attempts"`
	Attempts    int            `json:"attempts"`
	Backoff     backoff.Policy `json:"backoff,omitzero"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	Error       string         `json:"error"`
	Category    fault.Category `json:"category"`
	Reason      string         `json:"reason"`
	Requeuable  bool           `json:"requeuable"`
	FailedAt    time.Time      `json:"failed_at"`
	RequeuedAt  *time.Time     `json:"requeued_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
