package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// Ensure Store satisfies every subsystem contract at compile time.
var (
	_ queue.Store              = (*Store)(nil)
	_ job.Store                = (*Store)(nil)
	_ scheduler.RecurringStore = (*Store)(nil)
	_ dlq.Store                = (*Store)(nil)
)

// leaseExpiredMsg is recorded as LastError when the sweep reclaims a
// job whose worker stopped renewing.
const leaseExpiredMsg = "lease expired without renewal"

// recLock is a TTL lock on one recurring spec.
type recLock struct {
	worker string
	until  time.Time
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	queues    map[string]*queue.Queue             // key: queue name
	jobs      map[string]*job.Job                 // key: job ID
	jobsByKey map[string]string                   // maps queue + "\x00" + idempotency key to job ID
	specs     map[string]*scheduler.RecurringSpec // key: recurring ID
	recLocks  map[string]recLock                  // key: recurring ID
	failures  map[string]*dlq.Record              // key: failure ID
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		queues:    make(map[string]*queue.Queue),
		jobs:      make(map[string]*job.Job),
		jobsByKey: make(map[string]string),
		specs:     make(map[string]*scheduler.RecurringSpec),
		recLocks:  make(map[string]recLock),
		failures:  make(map[string]*dlq.Record),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// CreateQueue persists a new queue definition.
func (m *Store) CreateQueue(_ context.Context, q *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[q.Name]; exists {
		return photoq.ErrQueueAlreadyExists
	}
	cp := *q
	m.queues[q.Name] = &cp
	return nil
}

// GetQueue retrieves a queue by name.
func (m *Store) GetQueue(_ context.Context, name string) (*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, photoq.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

// ListQueues returns all queues sorted by name.
func (m *Store) ListQueues(_ context.Context) ([]*queue.Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		cp := *q
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// UpdateQueue persists changes to an existing queue.
func (m *Store) UpdateQueue(_ context.Context, q *queue.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[q.Name]; !ok {
		return photoq.ErrQueueNotFound
	}
	cp := *q
	cp.UpdatedAt = time.Now().UTC()
	m.queues[q.Name] = &cp
	return nil
}

// DeleteQueue removes a queue definition. Jobs are left in place.
func (m *Store) DeleteQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[name]; !ok {
		return photoq.ErrQueueNotFound
	}
	delete(m.queues, name)
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func idemKey(queueName, key string) string {
	return queueName + "\x00" + key
}

// CreateJob persists a new job. Duplicate IDs and duplicate
// idempotency keys within a queue are rejected.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return photoq.ErrJobAlreadyExists
	}
	if j.IdempotencyKey != "" {
		if _, exists := m.jobsByKey[idemKey(j.Queue, j.IdempotencyKey)]; exists {
			return photoq.ErrJobAlreadyExists
		}
		m.jobsByKey[idemKey(j.Queue, j.IdempotencyKey)] = key
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// GetJobByKey retrieves a job by queue and idempotency key.
func (m *Store) GetJobByKey(_ context.Context, queueName, key string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobID, ok := m.jobsByKey[idemKey(queueName, key)]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ClaimJob atomically claims the highest-priority eligible job in the
// queue. Ordering is priority descending, then RunAt ascending, then
// creation time as the final tie-break.
func (m *Store) ClaimJob(_ context.Context, queueName string, workerID id.WorkerID, leaseFor time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queueName || !j.Eligible(now) {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, photoq.ErrNoJobReady
	}

	best.State = job.StateActive
	best.Attempts++
	best.WorkerID = workerID
	expires := now.Add(leaseFor)
	best.LeaseExpiresAt = &expires
	started := now
	best.StartedAt = &started
	best.Progress = 0
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

// claimBefore reports whether a should be claimed before b.
func claimBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// held returns the job if it is active under workerID.
func (m *Store) held(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	if j.State != job.StateActive || j.WorkerID != workerID {
		return nil, photoq.ErrLeaseLost
	}
	return j, nil
}

// RenewLease extends the lease of a job held by workerID.
func (m *Store) RenewLease(_ context.Context, jobID id.JobID, workerID id.WorkerID, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(leaseFor)
	j.LeaseExpiresAt = &expires
	return nil
}

// SetJobProgress records progress and renews the lease.
func (m *Store) SetJobProgress(_ context.Context, jobID id.JobID, workerID id.WorkerID, pct int, leaseFor time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	now := time.Now().UTC()
	j.Progress = pct
	expires := now.Add(leaseFor)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

// CompleteJob marks a held job completed and releases its lease.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.Progress = 100
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// FailJob marks a held job terminally failed and releases its lease.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, lastError string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.LastError = lastError
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// RescheduleJob returns a held job to the queue as delayed for a retry.
func (m *Store) RescheduleJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, lastError string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.held(jobID, workerID)
	if err != nil {
		return nil, err
	}
	j.State = job.StateDelayed
	j.RunAt = runAt.UTC()
	j.LastError = lastError
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.StartedAt = nil
	j.Progress = 0
	j.UpdatedAt = time.Now().UTC()

	cp := *j
	return &cp, nil
}

// CancelJob transitions a waiting or delayed job to cancelled.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	if !j.State.Claimable() {
		return nil, photoq.ErrJobNotCancellable
	}
	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// RequeueJob makes a failed, delayed, or cancelled job immediately
// eligible again, preserving its attempt history.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, photoq.ErrJobNotFound
	}
	switch j.State {
	case job.StateWaiting:
		cp := *j
		return &cp, nil
	case job.StateFailed, job.StateDelayed, job.StateCancelled:
	default:
		return nil, photoq.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateWaiting
	j.RunAt = now
	j.WorkerID = id.WorkerID{}
	j.LeaseExpiresAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Progress = 0
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// ReapExpiredLeases reclaims active jobs whose lease deadline passed.
// Jobs with attempts remaining return to waiting; jobs at their budget
// become failed and are returned separately for dead-lettering.
func (m *Store) ReapExpiredLeases(_ context.Context, now time.Time) (reclaimed, exhausted []*job.Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	for _, j := range m.jobs {
		if !j.LeaseExpired(now) {
			continue
		}

		j.WorkerID = id.WorkerID{}
		j.LeaseExpiresAt = nil
		j.StartedAt = nil
		j.Progress = 0
		j.LastError = leaseExpiredMsg
		j.UpdatedAt = now

		if j.Attempts >= j.MaxAttempts {
			j.State = job.StateFailed
			j.CompletedAt = &now
			cp := *j
			exhausted = append(exhausted, &cp)
		} else {
			j.State = job.StateWaiting
			j.RunAt = now
			cp := *j
			reclaimed = append(reclaimed, &cp)
		}
	}
	return reclaimed, exhausted, nil
}

// ListJobs returns jobs in the given state.
func (m *Store) ListJobs(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobsByState returns per-state totals for the queue.
func (m *Store) CountJobsByState(_ context.Context, queueName string) (job.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(job.Counts)
	for _, j := range m.jobs {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		counts[j.State]++
	}
	return counts, nil
}

// CountReady returns how many jobs in the queue are claimable at now.
func (m *Store) CountReady(_ context.Context, queueName string, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now = now.UTC()
	var count int64
	for _, j := range m.jobs {
		if j.Queue == queueName && j.Eligible(now) {
			count++
		}
	}
	return count, nil
}

// PruneJobs removes terminal jobs finished before cutoff and, when
// keep > 0, all but the newest keep terminal jobs.
func (m *Store) PruneJobs(_ context.Context, queueName string, cutoff time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type finished struct {
		key string
		at  time.Time
	}

	var removed int64
	var terminal []finished
	for key, j := range m.jobs {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if !j.State.Terminal() {
			continue
		}
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if !cutoff.IsZero() && at.Before(cutoff) {
			m.removeJob(key)
			removed++
			continue
		}
		terminal = append(terminal, finished{key: key, at: at})
	}

	if keep > 0 && len(terminal) > keep {
		// Oldest first; drop everything beyond the newest keep.
		sort.Slice(terminal, func(i, k int) bool {
			return terminal[i].at.Before(terminal[k].at)
		})
		for _, f := range terminal[:len(terminal)-keep] {
			m.removeJob(f.key)
			removed++
		}
	}
	return removed, nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return photoq.ErrJobNotFound
	}
	m.removeJob(key)
	return nil
}

// removeJob deletes a job and its idempotency index entry. Caller
// holds the lock.
func (m *Store) removeJob(key string) {
	if j, ok := m.jobs[key]; ok && j.IdempotencyKey != "" {
		delete(m.jobsByKey, idemKey(j.Queue, j.IdempotencyKey))
	}
	delete(m.jobs, key)
}

// ──────────────────────────────────────────────────
// Recurring Store
// ──────────────────────────────────────────────────

// CreateRecurring persists a new recurring spec.
func (m *Store) CreateRecurring(_ context.Context, spec *scheduler.RecurringSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.specs {
		if s.Name == spec.Name {
			return photoq.ErrDuplicateRecurring
		}
	}
	cp := *spec
	m.specs[spec.ID.String()] = &cp
	return nil
}

// GetRecurring retrieves a recurring spec by ID.
func (m *Store) GetRecurring(_ context.Context, recurringID id.RecurringID) (*scheduler.RecurringSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.specs[recurringID.String()]
	if !ok {
		return nil, photoq.ErrRecurringNotFound
	}
	cp := *s
	return &cp, nil
}

// GetRecurringByName retrieves a recurring spec by its unique name.
func (m *Store) GetRecurringByName(_ context.Context, name string) (*scheduler.RecurringSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.specs {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, photoq.ErrRecurringNotFound
}

// ListRecurring returns all recurring specs.
func (m *Store) ListRecurring(_ context.Context) ([]*scheduler.RecurringSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*scheduler.RecurringSpec, 0, len(m.specs))
	for _, s := range m.specs {
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// UpdateRecurring persists changes to an existing spec.
func (m *Store) UpdateRecurring(_ context.Context, spec *scheduler.RecurringSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := spec.ID.String()
	if _, ok := m.specs[key]; !ok {
		return photoq.ErrRecurringNotFound
	}
	cp := *spec
	cp.UpdatedAt = time.Now().UTC()
	m.specs[key] = &cp
	return nil
}

// DeleteRecurring removes a spec and its lock.
func (m *Store) DeleteRecurring(_ context.Context, recurringID id.RecurringID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recurringID.String()
	if _, ok := m.specs[key]; !ok {
		return photoq.ErrRecurringNotFound
	}
	delete(m.specs, key)
	delete(m.recLocks, key)
	return nil
}

// AcquireRecurringLock takes a TTL lock on one spec.
func (m *Store) AcquireRecurringLock(_ context.Context, recurringID id.RecurringID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recurringID.String()
	if _, ok := m.specs[key]; !ok {
		return false, photoq.ErrRecurringNotFound
	}

	now := time.Now().UTC()
	if l, ok := m.recLocks[key]; ok && l.until.After(now) && l.worker != workerID.String() {
		return false, nil
	}
	m.recLocks[key] = recLock{worker: workerID.String(), until: now.Add(ttl)}
	return true, nil
}

// ReleaseRecurringLock releases a lock held by this worker.
func (m *Store) ReleaseRecurringLock(_ context.Context, recurringID id.RecurringID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recurringID.String()
	if l, ok := m.recLocks[key]; ok && l.worker == workerID.String() {
		delete(m.recLocks, key)
	}
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushFailure persists a failed-job record.
func (m *Store) PushFailure(_ context.Context, rec *dlq.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.failures[rec.ID.String()] = &cp
	return nil
}

// GetFailure retrieves a record by ID.
func (m *Store) GetFailure(_ context.Context, failureID id.FailureID) (*dlq.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.failures[failureID.String()]
	if !ok {
		return nil, photoq.ErrFailedJobNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListFailures returns records matching opts, newest first.
func (m *Store) ListFailures(_ context.Context, opts dlq.ListOpts) ([]*dlq.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Record, 0, len(m.failures))
	for _, rec := range m.failures {
		if opts.Queue != "" && rec.Queue != opts.Queue {
			continue
		}
		if !opts.Since.IsZero() && rec.FailedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && rec.FailedAt.After(opts.Until) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].FailedAt.Equal(result[k].FailedAt) {
			return result[i].FailedAt.After(result[k].FailedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// MarkRequeued stamps RequeuedAt on a record.
func (m *Store) MarkRequeued(_ context.Context, failureID id.FailureID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.failures[failureID.String()]
	if !ok {
		return photoq.ErrFailedJobNotFound
	}
	at = at.UTC()
	rec.RequeuedAt = &at
	return nil
}

// PurgeFailures removes records that failed before the given time.
func (m *Store) PurgeFailures(_ context.Context, queueName string, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, rec := range m.failures {
		if queueName != "" && rec.Queue != queueName {
			continue
		}
		if rec.FailedAt.Before(before) {
			delete(m.failures, key)
			count++
		}
	}
	return count, nil
}

// CountFailures returns the number of records, optionally per queue.
func (m *Store) CountFailures(_ context.Context, queueName string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if queueName == "" {
		return int64(len(m.failures)), nil
	}
	var count int64
	for _, rec := range m.failures {
		if rec.Queue == queueName {
			count++
		}
	}
	return count, nil
}
