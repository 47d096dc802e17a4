package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Requeue rebuilds a fresh job from a record's snapshot and inserts it
// as waiting with a reset attempt count, then stamps RequeuedAt on the
// record. Returns ErrNotRequeuable for security records and
// ErrFailedJobNotFound if the record was purged.
func (s *Service) Requeue(ctx context.Context, failureID id.FailureID) (*job.Job, error) {
	rec, err := s.store.GetFailure(ctx, failureID)
	if err != nil {
		return nil, err
	}
	if !rec.Requeuable {
		return nil, fmt.Errorf("%w: %s record %s", photoq.ErrNotRequeuable, rec.Reason, failureID)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      photoq.NewEntity(),
		ID:          id.NewJobID(),
		Kind:        rec.Kind,
		Queue:       rec.Queue,
		Payload:     rec.Payload,
		Priority:    rec.Priority,
		State:       job.StateWaiting,
		MaxAttempts: rec.MaxAttempts,
		Backoff:     rec.Backoff,
		Timeout:     rec.Timeout,
		RunAt:       now,
	}

	if err := s.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if err := s.store.MarkRequeued(ctx, failureID, now); err != nil {
		// The job is already in the queue; the missing stamp is
		// bookkeeping only.
		s.logger.Warn("requeue succeeded but record not marked", "failure_id", failureID, "error", err)
	}

	s.logger.Info("dead letter record requeued",
		"failure_id", failureID,
		"job_id", j.ID,
		"queue", j.Queue,
		"kind", j.Kind,
	)
	return j, nil
}
