package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Service provides high-level dead-letter operations over a Store.
type Service struct {
	store  Store
	jobs   job.Store
	logger *slog.Logger
}

// NewService creates a dead-letter service. The job store is used by
// Requeue to re-insert rebuilt jobs.
func NewService(store Store, jobs job.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, jobs: jobs, logger: logger}
}

// Add snapshots a terminally failed job into a Record and persists it.
// The record captures the failure classification and whether a manual
// requeue is permitted (security denials are not). Storage errors
// propagate; a failed job is never silently dropped.
func (s *Service) Add(ctx context.Context, j *job.Job, jobErr error, reason string) (*Record, error) {
	now := time.Now().UTC()
	cat := fault.Classify(jobErr)
	rec := &Record{
		ID:          id.NewFailureID(),
		JobID:       j.ID,
		Kind:        j.Kind,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Priority:    j.Priority,
		MaxAttempts: j.MaxAttempts,
		Attempts:    j.Attempts,
		Backoff:     j.Backoff,
		Timeout:     j.Timeout,
		Error:       jobErr.Error(),
		Category:    cat,
		Reason:      reason,
		Requeuable:  cat != fault.CategorySecurity,
		FailedAt:    now,
		CreatedAt:   now,
	}
	if err := s.store.PushFailure(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Error("job dead-lettered",
		"job_id", j.ID,
		"queue", j.Queue,
		"kind", j.Kind,
		"reason", reason,
		"category", string(cat),
		"attempts", j.Attempts,
	)
	return rec, nil
}

// Get retrieves a record by ID.
func (s *Service) Get(ctx context.Context, failureID id.FailureID) (*Record, error) {
	return s.store.GetFailure(ctx, failureID)
}

// List returns records matching opts, newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Record, error) {
	return s.store.ListFailures(ctx, opts)
}

// Purge removes records that failed longer than olderThan ago,
// optionally restricted to one queue. Returns the number removed.
func (s *Service) Purge(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	before := time.Now().UTC().Add(-olderThan)
	n, err := s.store.PurgeFailures(ctx, queue, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("dead letter records purged", "queue", queue, "removed", n)
	}
	return n, nil
}

// Count returns the number of records, optionally per queue.
func (s *Service) Count(ctx context.Context, queue string) (int64, error) {
	return s.store.CountFailures(ctx, queue)
}
