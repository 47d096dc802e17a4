// Package health watches queues and workers and classifies their
// condition. The Monitor folds lifecycle hook events into rolling
// per-queue windows, samples job counts from the store, and reports
// stats plus a healthy/degraded/unhealthy verdict per queue. The
// verdict is advisory: nothing in the engine changes behaviour based
// on it except the Autoscaler, which sizes worker pools from the same
// stats.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/worker"
)

// Status is the coarse verdict for a queue or for the node as a whole.
type Status string

const (
	// StatusHealthy means the queue is keeping up and workers are
	// available for its backlog.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the queue works but a warning threshold
	// (depth or wait time) has been crossed.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means jobs are not making progress: nothing can
	// claim them, claims are erroring, or most executions fail.
	StatusUnhealthy Status = "unhealthy"
)

var statusRank = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

func worse(a, b Status) Status {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// QueueStats is a point-in-time report for one queue. Rates and
// averages cover the monitor's rolling window; counts come from the
// latest store sample.
type QueueStats struct {
	Queue  string `json:"queue"`
	Status Status `json:"status"`
	Paused bool   `json:"paused,omitzero"`

	Breaker breaker.State `json:"breaker"`

	Counts job.Counts `json:"counts"`
	Depth  int64      `json:"depth"`
	Ready  int64      `json:"ready"`

	Workers     int `json:"workers"`
	BusyWorkers int `json:"busy_workers"`

	Rate          float64       `json:"rate"`
	ErrorRate     float64       `json:"error_rate"`
	AvgWait       time.Duration `json:"avg_wait"`
	AvgProcessing time.Duration `json:"avg_processing"`
	DeadLettered  int64         `json:"dead_lettered"`

	SampledAt time.Time `json:"sampled_at,omitzero"`
}

// Health is the node-wide report: every queue plus aggregate worker
// slot counts. Status is the worst queue status.
type Health struct {
	Status    Status       `json:"status"`
	Queues    []QueueStats `json:"queues"`
	Workers   WorkerCounts `json:"workers"`
	CheckedAt time.Time    `json:"checked_at"`
}

// WorkerCounts aggregates slot capacity across the node's workers.
type WorkerCounts struct {
	Total int `json:"total"`
	Busy  int `json:"busy"`
}

// Store is the subset of the job store the monitor samples.
type Store interface {
	CountJobsByState(ctx context.Context, queueName string) (job.Counts, error)
	CountReady(ctx context.Context, queueName string, now time.Time) (int64, error)
}

// WorkerSource exposes the node's worker handles. worker.Manager
// satisfies this interface.
type WorkerSource interface {
	Handles() []worker.Handle
}

const ringBuckets = 12

type sample struct {
	counts job.Counts
	ready  int64
	at     time.Time
}

type claimFault struct {
	err error
	at  time.Time
}

// Monitor computes per-queue statistics and health verdicts. Register
// it as an extension so it sees lifecycle events, wire ClaimError into
// the worker manager, and call Start to begin store sampling.
type Monitor struct {
	store   Store
	queues  *queue.Registry
	workers WorkerSource
	logger  *slog.Logger

	window            time.Duration
	sampleInterval    time.Duration
	criticalErrorRate float64
	warnDepth         int64
	warnWait          time.Duration
	claimErrTTL       time.Duration

	mu        sync.Mutex
	rings     map[string]*ring
	samples   map[string]*sample
	claimErrs map[string]claimFault

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	_ ext.Extension       = (*Monitor)(nil)
	_ ext.JobEnqueued     = (*Monitor)(nil)
	_ ext.JobStarted      = (*Monitor)(nil)
	_ ext.JobCompleted    = (*Monitor)(nil)
	_ ext.JobFailed       = (*Monitor)(nil)
	_ ext.JobDeadLettered = (*Monitor)(nil)
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used by the monitor.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithWindow sets the rolling window stats are computed over.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithSampleInterval sets how often job counts are read from the store.
func WithSampleInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sampleInterval = d
		}
	}
}

// WithCriticalErrorRate sets the windowed failure ratio at or above
// which a queue is reported unhealthy.
func WithCriticalErrorRate(r float64) Option {
	return func(m *Monitor) {
		if r > 0 {
			m.criticalErrorRate = r
		}
	}
}

// WithWarnDepth sets the backlog depth at or above which a queue is
// reported degraded.
func WithWarnDepth(n int64) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.warnDepth = n
		}
	}
}

// WithWarnWait sets the average enqueue-to-claim wait at or above
// which a queue is reported degraded.
func WithWarnWait(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.warnWait = d
		}
	}
}

// WithClaimErrorTTL sets how long a reported claim failure keeps a
// queue unhealthy.
func WithClaimErrorTTL(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.claimErrTTL = d
		}
	}
}

// NewMonitor creates a Monitor over the given store, queue registry,
// and worker source.
func NewMonitor(store Store, queues *queue.Registry, workers WorkerSource, opts ...Option) *Monitor {
	m := &Monitor{
		store:             store,
		queues:            queues,
		workers:           workers,
		logger:            slog.Default(),
		window:            time.Minute,
		sampleInterval:    5 * time.Second,
		criticalErrorRate: 0.5,
		warnDepth:         1000,
		warnWait:          30 * time.Second,
		claimErrTTL:       30 * time.Second,
		rings:             make(map[string]*ring),
		samples:           make(map[string]*sample),
		claimErrs:         make(map[string]claimFault),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name identifies the monitor in the extension registry.
func (m *Monitor) Name() string { return "health-monitor" }

func (m *Monitor) ringLocked(queueName string) *ring {
	r, ok := m.rings[queueName]
	if !ok {
		r = newRing(m.window, ringBuckets)
		m.rings[queueName] = r
	}
	return r
}

// OnJobEnqueued counts a newly accepted job.
func (m *Monitor) OnJobEnqueued(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringLocked(j.Queue).slot(time.Now().UTC()).enqueued++
	return nil
}

// OnJobStarted records the wait between a job becoming eligible and a
// worker claiming it.
func (m *Monitor) OnJobStarted(_ context.Context, j *job.Job) error {
	now := time.Now().UTC()
	wait := now.Sub(j.RunAt)
	if j.StartedAt != nil {
		wait = j.StartedAt.Sub(j.RunAt)
	}
	if wait < 0 {
		wait = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ringLocked(j.Queue).slot(now)
	b.waitSum += wait
	b.waitN++
	return nil
}

// OnJobCompleted counts a successful run and its duration.
func (m *Monitor) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ringLocked(j.Queue).slot(time.Now().UTC())
	b.completed++
	b.procSum += elapsed
	b.procN++
	return nil
}

// OnJobFailed counts a failed run.
func (m *Monitor) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringLocked(j.Queue).slot(time.Now().UTC()).failed++
	return nil
}

// OnJobDeadLettered counts a job moved to the dead-letter queue.
func (m *Monitor) OnJobDeadLettered(_ context.Context, j *job.Job, _ *dlq.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringLocked(j.Queue).slot(time.Now().UTC()).deadLettered++
	return nil
}

// ClaimError records a claim-loop failure for the queue. While the
// report is fresh the queue is classified unhealthy, since slots
// cannot pull work when the store is misbehaving. Wire this method
// into the manager via worker.WithClaimErrorFunc.
func (m *Monitor) ClaimError(queueName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimErrs[queueName] = claimFault{err: err, at: time.Now().UTC()}
}

// Start begins the store sampling loop.
func (m *Monitor) Start(_ context.Context) error {
	m.wg.Add(1)
	go m.runLoop()
	m.logger.Info("health monitor started",
		slog.Duration("sample_interval", m.sampleInterval),
		slog.Duration("window", m.window),
	)
	return nil
}

// Stop signals the sampling loop to stop and waits for it to finish.
func (m *Monitor) Stop(_ context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
	return nil
}

func (m *Monitor) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	ctx := context.Background()
	qs, err := m.queues.List(ctx)
	if err != nil {
		m.logger.Error("queue list failed during health sample", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, q := range qs {
		counts, err := m.store.CountJobsByState(ctx, q.Name)
		if err != nil {
			m.logger.Error("job counts unavailable", "queue", q.Name, "error", err)
			continue
		}
		ready, err := m.store.CountReady(ctx, q.Name, now)
		if err != nil {
			m.logger.Error("ready count unavailable", "queue", q.Name, "error", err)
			continue
		}
		m.mu.Lock()
		m.samples[q.Name] = &sample{counts: counts, ready: ready, at: now}
		m.mu.Unlock()
	}
}

// Snapshot reports stats for every queue plus aggregate worker counts.
func (m *Monitor) Snapshot(ctx context.Context) (*Health, error) {
	qs, err := m.queues.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	handles := m.workers.Handles()

	h := &Health{Status: StatusHealthy, CheckedAt: now}
	for _, hd := range handles {
		if hd.Status == worker.StatusStopped {
			continue
		}
		h.Workers.Total += hd.Concurrency
		h.Workers.Busy += hd.Active
	}
	for _, q := range qs {
		st := m.queueStats(q, handles, now)
		h.Queues = append(h.Queues, *st)
		h.Status = worse(h.Status, st.Status)
	}
	return h, nil
}

// QueueStats reports stats for one queue. Returns ErrQueueNotFound if
// the queue does not exist.
func (m *Monitor) QueueStats(ctx context.Context, name string) (*QueueStats, error) {
	q, err := m.queues.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.queueStats(q, m.workers.Handles(), time.Now().UTC()), nil
}

func (m *Monitor) queueStats(q *queue.Queue, handles []worker.Handle, now time.Time) *QueueStats {
	st := &QueueStats{
		Queue:   q.Name,
		Paused:  q.Paused,
		Breaker: breaker.StateClosed,
	}
	if brk := m.queues.Breaker(q.Name); brk != nil {
		st.Breaker = brk.State()
	}

	for _, h := range handles {
		if h.Queue != q.Name {
			continue
		}
		if h.Status == worker.StatusRunning || h.Status == worker.StatusPaused {
			st.Workers += h.Concurrency
		}
		st.BusyWorkers += h.Active
	}

	m.mu.Lock()
	var w bucket
	if r, ok := m.rings[q.Name]; ok {
		w = r.sum(now)
	}
	sp := m.samples[q.Name]
	cf, claimErr := m.claimErrs[q.Name]
	if claimErr && now.Sub(cf.at) > m.claimErrTTL {
		delete(m.claimErrs, q.Name)
		claimErr = false
	}
	m.mu.Unlock()

	if sp != nil {
		st.Counts = sp.counts
		st.Ready = sp.ready
		st.Depth = sp.counts[job.StateWaiting] + sp.counts[job.StateDelayed]
		st.SampledAt = sp.at
	}
	st.Rate = float64(w.completed) / m.window.Seconds()
	if runs := w.completed + w.failed; runs > 0 {
		st.ErrorRate = float64(w.failed) / float64(runs)
	}
	if w.waitN > 0 {
		st.AvgWait = w.waitSum / time.Duration(w.waitN)
	}
	if w.procN > 0 {
		st.AvgProcessing = w.procSum / time.Duration(w.procN)
	}
	st.DeadLettered = w.deadLettered

	st.Status = m.classify(st, w, claimErr)
	return st
}

// classify turns one queue's stats into a verdict. Order matters: a
// paused queue is expected to accumulate backlog, so pausing masks the
// no-workers rule but not the error-rate rule.
func (m *Monitor) classify(st *QueueStats, w bucket, claimErr bool) Status {
	switch {
	case claimErr:
		return StatusUnhealthy
	case !st.Paused && st.Ready > 0 && st.Workers == 0:
		return StatusUnhealthy
	case w.completed+w.failed > 0 && st.ErrorRate >= m.criticalErrorRate:
		return StatusUnhealthy
	case st.Depth >= m.warnDepth:
		return StatusDegraded
	case w.waitN > 0 && st.AvgWait >= m.warnWait:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
