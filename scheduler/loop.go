package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Vanuan/photoq/job"
)

// Start launches the recurring tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.runLoop()
	s.logger.Info("scheduler started",
		slog.String("worker_id", s.workerID.String()),
		slog.Duration("recurring_interval", s.interval),
	)
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every recurring spec whose next run is due.
func (s *Scheduler) tick() {
	ctx := context.Background()

	specs, err := s.rec.ListRecurring(ctx)
	if err != nil {
		s.logger.Error("list recurring error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		if spec.NextRunAt == nil || spec.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, spec, now)
	}
}

// fire spawns one job from a due spec. A store-level TTL lock keeps
// concurrent coordinators sharing the store from double-firing; the
// spawned job additionally carries the due time as its idempotency key
// so a fire that crashed before persisting NextRunAt cannot repeat
// after the lock expires.
func (s *Scheduler) fire(ctx context.Context, spec *RecurringSpec, now time.Time) {
	acquired, err := s.rec.AcquireRecurringLock(ctx, spec.ID, s.workerID, s.lockTTL)
	if err != nil {
		s.logger.Error("acquire recurring lock error",
			slog.String("name", spec.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // another coordinator got it
	}
	defer s.releaseLock(ctx, spec)

	if spec.Exhausted(now) {
		spec.Enabled = false
		spec.NextRunAt = nil
		spec.Touch()
		if err := s.rec.UpdateRecurring(ctx, spec); err != nil {
			s.logger.Error("disable recurring error",
				slog.String("name", spec.Name),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("recurring schedule exhausted",
			slog.String("name", spec.Name),
			slog.Int("runs", spec.Runs),
		)
		return
	}

	due := spec.NextRunAt.UTC()
	opts := []job.Option{
		job.WithQueue(spec.Queue),
		job.WithIdempotencyKey(spec.Name + "@" + due.Format(time.RFC3339Nano)),
	}
	if spec.Priority != 0 {
		opts = append(opts, job.WithPriority(spec.Priority))
	}
	if spec.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(spec.MaxAttempts))
	}
	if !spec.Backoff.IsZero() {
		opts = append(opts, job.WithBackoff(spec.Backoff))
	}
	if spec.Timeout > 0 {
		opts = append(opts, job.WithTimeout(spec.Timeout))
	}

	j, err := s.Enqueue(ctx, spec.Kind, spec.Payload, opts...)
	if err != nil {
		s.logger.Error("recurring enqueue error",
			slog.String("name", spec.Name),
			slog.String("kind", spec.Kind),
			slog.String("error", err.Error()),
		)
		return
	}

	sched, err := s.schedule(spec.Schedule)
	if err != nil {
		// Validated at registration; a parse failure here means the
		// stored expression was corrupted.
		s.logger.Error("parse recurring schedule error",
			slog.String("name", spec.Name),
			slog.String("schedule", spec.Schedule),
			slog.String("error", err.Error()),
		)
		return
	}

	spec.Runs++
	spec.LastRunAt = &now
	if next, ok := spec.NextAfter(now, sched); ok {
		spec.NextRunAt = &next
	} else {
		spec.Enabled = false
		spec.NextRunAt = nil
	}
	spec.Touch()
	if err := s.rec.UpdateRecurring(ctx, spec); err != nil {
		s.logger.Error("update recurring error",
			slog.String("name", spec.Name),
			slog.String("error", err.Error()),
		)
	}

	if s.emitter != nil {
		s.emitter.EmitRecurringFired(ctx, spec.Name, j.ID)
	}
	s.logger.Info("recurring schedule fired",
		slog.String("name", spec.Name),
		slog.String("kind", spec.Kind),
		slog.String("job_id", j.ID.String()),
		slog.Int("runs", spec.Runs),
	)
}

func (s *Scheduler) releaseLock(ctx context.Context, spec *RecurringSpec) {
	if err := s.rec.ReleaseRecurringLock(ctx, spec.ID, s.workerID); err != nil {
		s.logger.Error("release recurring lock error",
			slog.String("name", spec.Name),
			slog.String("error", err.Error()),
		)
	}
}
