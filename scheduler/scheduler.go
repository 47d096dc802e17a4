package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/notify"
	"github.com/Vanuan/photoq/queue"
)

// Emitter emits scheduling lifecycle events.
// ext.Registry satisfies this interface.
type Emitter interface {
	EmitJobEnqueued(ctx context.Context, j *job.Job)
	EmitJobRetrying(ctx context.Context, j *job.Job, delay time.Duration)
	EmitJobDeadLettered(ctx context.Context, j *job.Job, rec *dlq.Record)
	EmitJobCancelled(ctx context.Context, j *job.Job)
	EmitRecurringFired(ctx context.Context, specName string, jobID id.JobID)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(em Emitter) Option {
	return func(s *Scheduler) { s.emitter = em }
}

// WithNotifier sets the hub used to wake idle claim slots when a job
// becomes immediately eligible.
func WithNotifier(hub *notify.Hub) Option {
	return func(s *Scheduler) { s.hub = hub }
}

// WithDefaultQueue sets the queue used when an enqueue names none.
func WithDefaultQueue(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.defaultQueue = name
		}
	}
}

// WithRecurringInterval sets how often the loop checks for due
// recurring specs.
func WithRecurringInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLockTTL sets the TTL for per-spec firing locks.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// Scheduler is the producer-facing entry point of the engine. It
// validates and persists new jobs, spawns jobs from recurring specs on
// a tick loop, and decides the fate of failed jobs.
type Scheduler struct {
	jobs    job.Store
	rec     RecurringStore
	queues  *queue.Registry
	kinds   *job.Registry
	letters *dlq.Service
	hub     *notify.Hub
	emitter Emitter
	logger  *slog.Logger

	defaultQueue string
	workerID     id.WorkerID
	interval     time.Duration
	lockTTL      time.Duration

	// parsed caches compiled cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. The kind registry defines the closed set of
// job kinds this engine accepts; the dead-letter service receives jobs
// HandleFailure declares terminally failed.
func New(
	jobs job.Store,
	rec RecurringStore,
	queues *queue.Registry,
	kinds *job.Registry,
	letters *dlq.Service,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		jobs:         jobs,
		rec:          rec,
		queues:       queues,
		kinds:        kinds,
		letters:      letters,
		logger:       slog.Default(),
		defaultQueue: "default",
		workerID:     id.NewWorkerID(),
		interval:     time.Second,
		lockTTL:      30 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue validates and persists a new job. The kind must be
// registered; the target queue must exist. Options override the kind's
// registration defaults, which in turn override the queue config. If
// the job carries an idempotency key already present in the queue, the
// existing job is returned instead of a duplicate.
func (s *Scheduler) Enqueue(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if !s.kinds.Has(kind) {
		return nil, fault.Configuration(fmt.Errorf("%w: %q", photoq.ErrUnknownKind, kind))
	}

	o, _ := s.kinds.Opts(kind)
	for _, opt := range opts {
		opt(&o)
	}

	queueName := o.Queue
	if queueName == "" {
		queueName = s.defaultQueue
	}
	q, err := s.queues.Get(ctx, queueName)
	if err != nil {
		return nil, err
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = q.Config.MaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = q.Config.Timeout
	}

	now := time.Now().UTC()
	runAt := now
	switch {
	case !o.RunAt.IsZero():
		runAt = o.RunAt.UTC()
	case o.Delay > 0:
		runAt = now.Add(o.Delay)
	}
	state := job.StateWaiting
	if runAt.After(now) {
		state = job.StateDelayed
	}

	j := &job.Job{
		Entity:         photoq.NewEntity(),
		ID:             id.NewJobID(),
		Queue:          queueName,
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: o.IdempotencyKey,
		State:          state,
		Priority:       o.Priority,
		MaxAttempts:    o.MaxAttempts,
		Backoff:        o.Backoff.Or(q.Config.Backoff),
		RunAt:          runAt,
		Timeout:        o.Timeout,
	}

	if err := s.jobs.CreateJob(ctx, j); err != nil {
		if errors.Is(err, photoq.ErrJobAlreadyExists) && o.IdempotencyKey != "" {
			existing, getErr := s.jobs.GetJobByKey(ctx, queueName, o.IdempotencyKey)
			if getErr == nil {
				s.logger.Debug("enqueue deduplicated",
					slog.String("queue", queueName),
					slog.String("idempotency_key", o.IdempotencyKey),
					slog.String("job_id", existing.ID.String()),
				)
				return existing, nil
			}
		}
		return nil, err
	}

	if state == job.StateWaiting && s.hub != nil {
		s.hub.Wake(queueName)
	}
	if s.emitter != nil {
		s.emitter.EmitJobEnqueued(ctx, j)
	}
	s.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", kind),
		slog.String("queue", queueName),
		slog.String("state", string(state)),
	)
	return j, nil
}

// Item is one entry of a bulk enqueue.
type Item struct {
	Kind    string
	Payload []byte
	Opts    []job.Option
}

// BulkEnqueue enqueues a batch of jobs. It stops at the first error and
// returns the jobs created so far alongside it; earlier insertions are
// not rolled back.
func (s *Scheduler) BulkEnqueue(ctx context.Context, items []Item) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(items))
	for i, item := range items {
		j, err := s.Enqueue(ctx, item.Kind, item.Payload, item.Opts...)
		if err != nil {
			return jobs, fmt.Errorf("bulk enqueue item %d (%s): %w", i, item.Kind, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ──────────────────────────────────────────────────
// Admin operations
// ──────────────────────────────────────────────────

// Cancel cancels a job that no worker has claimed yet. Active and
// terminal jobs return ErrJobNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.jobs.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s.emitter != nil {
		s.emitter.EmitJobCancelled(ctx, j)
	}
	s.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("queue", j.Queue),
	)
	return j, nil
}

// RetryNow makes a failed or delayed job immediately eligible again,
// keeping its attempt history.
func (s *Scheduler) RetryNow(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.jobs.RequeueJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if s.hub != nil {
		s.hub.Wake(j.Queue)
	}
	s.logger.Info("job requeued for immediate retry",
		slog.String("job_id", jobID.String()),
		slog.String("queue", j.Queue),
		slog.Int("attempts", j.Attempts),
	)
	return j, nil
}

// ──────────────────────────────────────────────────
// Failure routing
// ──────────────────────────────────────────────────

// HandleFailure decides the fate of a job whose attempt just failed:
// non-retryable fault categories and exhausted attempt budgets
// dead-letter the job, anything else is rescheduled with the job's
// backoff policy. The error is classified exactly once; the routing
// decision is logged with the job id and attempt number.
func (s *Scheduler) HandleFailure(ctx context.Context, j *job.Job, jobErr error) (*job.Job, error) {
	cat := fault.Classify(jobErr)

	if !cat.Retryable() {
		reason := dlq.ReasonNonRetryable
		if cat == fault.CategorySecurity {
			reason = dlq.ReasonSecurity
		}
		return s.deadLetter(ctx, j, jobErr, reason, cat)
	}
	if j.Attempts >= j.MaxAttempts {
		return s.deadLetter(ctx, j, jobErr, dlq.ReasonMaxRetries, cat)
	}

	pol := j.Backoff.Or(backoff.Default())
	delay := pol.Delay(j.Attempts)
	if cat == fault.CategoryResource {
		// Back off one step further when the target is saturated.
		delay = pol.Delay(j.Attempts + 1)
	}

	runAt := time.Now().UTC().Add(delay)
	delayed, err := s.jobs.RescheduleJob(ctx, j.ID, j.WorkerID, runAt, jobErr.Error())
	if err != nil {
		return nil, err
	}

	if s.emitter != nil {
		s.emitter.EmitJobRetrying(ctx, delayed, delay)
	}
	s.logger.Info("job retry scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("category", string(cat)),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)
	return delayed, nil
}

func (s *Scheduler) deadLetter(ctx context.Context, j *job.Job, jobErr error, reason string, cat fault.Category) (*job.Job, error) {
	failed, err := s.jobs.FailJob(ctx, j.ID, j.WorkerID, jobErr.Error())
	if err != nil {
		return nil, err
	}

	rec, dlqErr := s.letters.Add(ctx, failed, jobErr, reason)
	if dlqErr != nil {
		// The job is already terminal; surface the record loss loudly
		// but do not fail the routing.
		s.logger.Error("dead letter record not stored",
			slog.String("job_id", j.ID.String()),
			slog.String("error", dlqErr.Error()),
		)
	} else if s.emitter != nil {
		s.emitter.EmitJobDeadLettered(ctx, failed, rec)
	}

	s.logger.Warn("job failed terminally",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("reason", reason),
		slog.String("category", string(cat)),
		slog.Int("attempts", failed.Attempts),
	)
	return failed, nil
}

// ──────────────────────────────────────────────────
// Recurring specs
// ──────────────────────────────────────────────────

// ScheduleRecurring registers a recurring spec. The spec's kind must be
// registered and its queue must exist; the first NextRunAt is computed
// here. Returns ErrDuplicateRecurring if the name is taken.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, spec *RecurringSpec) (*RecurringSpec, error) {
	if spec.Queue == "" {
		spec.Queue = s.defaultQueue
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !s.kinds.Has(spec.Kind) {
		return nil, fault.Configuration(fmt.Errorf("%w: %q", photoq.ErrUnknownKind, spec.Kind))
	}
	if _, err := s.queues.Get(ctx, spec.Queue); err != nil {
		return nil, err
	}
	sched, err := s.schedule(spec.Schedule)
	if err != nil {
		return nil, fault.Configuration(fmt.Errorf("schedule %q: %w", spec.Schedule, err))
	}

	if spec.ID.IsNil() {
		spec.ID = id.NewRecurringID()
	}
	if spec.CreatedAt.IsZero() {
		spec.Entity = photoq.NewEntity()
	}

	next, ok := spec.NextAfter(time.Now().UTC(), sched)
	if !ok {
		return nil, fault.Newf(fault.CategoryConfiguration, "schedule %q never fires within its bounds", spec.Schedule)
	}
	spec.NextRunAt = &next

	if err := s.rec.CreateRecurring(ctx, spec); err != nil {
		return nil, err
	}

	s.logger.Info("recurring schedule registered",
		slog.String("name", spec.Name),
		slog.String("kind", spec.Kind),
		slog.String("queue", spec.Queue),
		slog.String("schedule", spec.Schedule),
		slog.Time("next_run_at", next),
	)
	return spec, nil
}

// RemoveRecurring deletes a recurring spec by name. Jobs already
// spawned from it are unaffected.
func (s *Scheduler) RemoveRecurring(ctx context.Context, name string) error {
	spec, err := s.rec.GetRecurringByName(ctx, name)
	if err != nil {
		return err
	}
	if err := s.rec.DeleteRecurring(ctx, spec.ID); err != nil {
		return err
	}
	s.logger.Info("recurring schedule removed", slog.String("name", name))
	return nil
}

// ListRecurring returns all recurring specs.
func (s *Scheduler) ListRecurring(ctx context.Context) ([]*RecurringSpec, error) {
	return s.rec.ListRecurring(ctx)
}

// SetRecurringEnabled flips a spec's enabled flag. Re-enabling
// recomputes NextRunAt from now so missed windows do not fire
// retroactively.
func (s *Scheduler) SetRecurringEnabled(ctx context.Context, name string, enabled bool) (*RecurringSpec, error) {
	spec, err := s.rec.GetRecurringByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if spec.Enabled == enabled {
		return spec, nil
	}

	spec.Enabled = enabled
	if enabled {
		sched, parseErr := s.schedule(spec.Schedule)
		if parseErr != nil {
			return nil, fault.Configuration(fmt.Errorf("schedule %q: %w", spec.Schedule, parseErr))
		}
		if next, ok := spec.NextAfter(time.Now().UTC(), sched); ok {
			spec.NextRunAt = &next
		} else {
			spec.NextRunAt = nil
		}
	}
	spec.Touch()
	if err := s.rec.UpdateRecurring(ctx, spec); err != nil {
		return nil, err
	}

	s.logger.Info("recurring schedule toggled",
		slog.String("name", name),
		slog.Bool("enabled", enabled),
	)
	return spec, nil
}

// schedule caches compiled cron expressions.
func (s *Scheduler) schedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
