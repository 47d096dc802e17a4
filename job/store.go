package job

import (
	"context"
	"time"

	"github.com/Vanuan/photoq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Counts holds per-state job totals for one queue.
type Counts map[State]int64

// Store defines the persistence contract for jobs.
//
// ClaimJob, RenewLease, CompleteJob, FailJob, RescheduleJob, CancelJob,
// and ReapExpiredLeases are compare-and-set operations: they observe the
// current state (and lease holder where relevant) and mutate only if it
// still matches. That property is what gives the engine single-writer-
// per-job semantics without a central lock.
type Store interface {
	// CreateJob persists a new job. When the job carries an idempotency
	// key, a second job with the same key in the same queue fails with
	// ErrJobAlreadyExists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// GetJobByKey retrieves a job by queue and idempotency key.
	GetJobByKey(ctx context.Context, queue, key string) (*Job, error)

	// ClaimJob atomically claims the highest-priority eligible job in
	// the queue: transitions it to active, increments its attempt
	// count, and stamps the worker and lease deadline (now + leaseFor).
	// Eligible jobs are waiting or delayed with RunAt <= now, served by
	// priority descending then RunAt ascending. Returns ErrNoJobReady
	// when nothing is eligible.
	ClaimJob(ctx context.Context, queue string, workerID id.WorkerID, leaseFor time.Duration) (*Job, error)

	// RenewLease extends the lease deadline of an active job held by
	// workerID. Returns ErrLeaseLost if the job is no longer active
	// under that worker.
	RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, leaseFor time.Duration) error

	// SetJobProgress records processing progress (0-100) and renews the
	// lease as a side effect. Returns ErrLeaseLost like RenewLease.
	SetJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, pct int, leaseFor time.Duration) error

	// CompleteJob marks a held active job completed, releasing its
	// lease and recording the result.
	CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (*Job, error)

	// FailJob marks a held active job terminally failed, releasing its
	// lease and recording the failure reason.
	FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastError string) (*Job, error)

	// RescheduleJob returns a held active job to the queue for a later
	// retry: state delayed, eligibility runAt, lease released, failure
	// reason recorded. Attempt count is preserved (it was consumed at
	// claim time).
	RescheduleJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, lastError string) (*Job, error)

	// CancelJob transitions a waiting or delayed job to cancelled.
	// Returns ErrJobNotCancellable if the job is active or terminal.
	CancelJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// RequeueJob makes a failed, delayed, or cancelled job immediately
	// eligible again (state waiting, RunAt now), preserving its attempt
	// history. Used by the admin retry operation.
	RequeueJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ReapExpiredLeases reclaims active jobs whose lease deadline
	// passed: jobs with attempts remaining return to waiting
	// (reclaimed), jobs at their attempt budget become failed
	// (exhausted) for the caller to dead-letter.
	ReapExpiredLeases(ctx context.Context, now time.Time) (reclaimed, exhausted []*Job, err error)

	// ListJobs returns jobs in the given state.
	ListJobs(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobsByState returns per-state totals for the queue.
	CountJobsByState(ctx context.Context, queue string) (Counts, error)

	// CountReady returns how many jobs in the queue are claimable at now.
	CountReady(ctx context.Context, queue string, now time.Time) (int64, error)

	// PruneJobs removes terminal jobs finished before cutoff, and, when
	// keep > 0, all but the newest keep terminal jobs regardless of
	// age. Returns the number removed.
	PruneJobs(ctx context.Context, queue string, cutoff time.Time, keep int) (int64, error)

	// DeleteJob removes a job by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error
}
