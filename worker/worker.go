// Package worker runs the consumer side of the engine: a Manager that
// owns per-queue worker handles, spawns claim slots, executes jobs
// through the middleware chain, renews leases for in-flight work, and
// sweeps stalled jobs back into circulation.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/middleware"
	"github.com/Vanuan/photoq/notify"
	"github.com/Vanuan/photoq/queue"
)

// Status is the lifecycle state of a worker handle.
type Status string

const (
	// StatusRunning means the worker's slots are claiming jobs.
	StatusRunning Status = "running"
	// StatusPaused means the claim loop is suspended; the handle and
	// its counters are kept.
	StatusPaused Status = "paused"
	// StatusDraining means the slots finish in-flight jobs but claim
	// no new ones.
	StatusDraining Status = "draining"
	// StatusStopped means the drain completed and no slots remain.
	StatusStopped Status = "stopped"
)

// Handle is a point-in-time snapshot of one worker's state.
type Handle struct {
	ID          id.WorkerID `json:"id"`
	Queue       string      `json:"queue"`
	Concurrency int         `json:"concurrency"`
	Active      int         `json:"active"`
	Status      Status      `json:"status"`
	Processed   int64       `json:"processed"`
	Failed      int64       `json:"failed"`
	StartedAt   time.Time   `json:"started_at"`
}

// FailureRouter decides the fate of a failed job: retry with backoff
// or dead-letter. scheduler.Scheduler satisfies this interface.
type FailureRouter interface {
	HandleFailure(ctx context.Context, j *job.Job, jobErr error) (*job.Job, error)
}

// Emitter emits execution lifecycle events. ext.Registry satisfies
// this interface.
type Emitter interface {
	EmitJobStarted(ctx context.Context, j *job.Job)
	EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *job.Job, jobErr error)
	EmitJobRetrying(ctx context.Context, j *job.Job, delay time.Duration)
	EmitJobDeadLettered(ctx context.Context, j *job.Job, rec *dlq.Record)
	EmitWorkersScaled(ctx context.Context, queue string, from, to int, reason string)
}

// workerState is the supervisor-owned state behind a Handle. Slot
// lifecycle fields (status, concurrency, slots) are written only by
// the supervisor; the counters are updated by slot goroutines.
type workerState struct {
	id           id.WorkerID
	queue        string
	status       Status
	concurrency  int
	slots        []*slot
	limiter      *rate.Limiter
	removeOnStop bool
	startedAt    time.Time

	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
}

func (ws *workerState) snapshotLocked() *Handle {
	return &Handle{
		ID:          ws.id,
		Queue:       ws.queue,
		Concurrency: ws.concurrency,
		Active:      int(ws.active.Load()),
		Status:      ws.status,
		Processed:   ws.processed.Load(),
		Failed:      ws.failed.Load(),
		StartedAt:   ws.startedAt,
	}
}

func (ws *workerState) liveSlotsLocked() int {
	n := 0
	for _, s := range ws.slots {
		if !s.draining {
			n++
		}
	}
	return n
}

// Manager owns the worker handles for this node. All lifecycle
// mutations (register, scale, pause, resume, drain, unregister) are
// serialized: while the manager runs they flow through an internal
// command channel consumed by one supervisor goroutine, so slot state
// has a single writer. Before Start (and after Stop) no slots exist
// and commands apply directly.
type Manager struct {
	store   job.Store
	kinds   *job.Registry
	queues  *queue.Registry
	router  FailureRouter
	letters *dlq.Service
	hub     *notify.Hub
	emitter Emitter
	logger  *slog.Logger
	mw      middleware.Middleware

	defaultConcurrency int
	pollInterval       time.Duration
	leaseDuration      time.Duration
	heartbeatInterval  time.Duration
	sweepInterval      time.Duration
	cleanupInterval    time.Duration

	claimErrFn func(queue string, err error)

	mu      sync.Mutex
	states  map[string]*workerState
	running bool

	cmdCh  chan command
	stopCh chan struct{}
	wg     sync.WaitGroup
	slotWG sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[id.JobID]inflightJob
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(em Emitter) Option {
	return func(m *Manager) { m.emitter = em }
}

// WithNotifier sets the hub idle slots wait on between polls. The
// scheduler and enqueue path should share it so new work wakes slots
// immediately.
func WithNotifier(hub *notify.Hub) Option {
	return func(m *Manager) {
		if hub != nil {
			m.hub = hub
		}
	}
}

// WithMiddleware sets the execution chain applied around every
// handler invocation.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(m *Manager) { m.mw = middleware.Chain(mws...) }
}

// WithDefaultConcurrency sets the slot count used by registrations
// that do not specify one.
func WithDefaultConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.defaultConcurrency = n
		}
	}
}

// WithPollInterval sets the fallback interval at which idle slots
// re-check the store.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLeaseDuration sets the default claim lease for queues that do
// not override it.
func WithLeaseDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.leaseDuration = d
		}
	}
}

// WithHeartbeatInterval sets how often leases of in-flight jobs are
// renewed. Zero disables the loop.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) { m.heartbeatInterval = d }
}

// WithSweepInterval sets how often expired leases are reaped. Zero
// disables the loop.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithCleanupInterval sets how often terminal jobs are pruned per the
// queue cleanup policies. Zero disables the loop.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = d }
}

// WithClaimErrorFunc registers an observer for store errors on the
// claim path. The health monitor uses it to surface workers that
// cannot reach the store.
func WithClaimErrorFunc(fn func(queue string, err error)) Option {
	return func(m *Manager) { m.claimErrFn = fn }
}

// NewManager creates a Manager. The kind registry supplies handlers,
// the queue registry gates claims, the router decides what happens to
// failures, and the dead-letter service receives jobs the sweep
// declares terminally stalled.
func NewManager(
	store job.Store,
	kinds *job.Registry,
	queues *queue.Registry,
	router FailureRouter,
	letters *dlq.Service,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:              store,
		kinds:              kinds,
		queues:             queues,
		router:             router,
		letters:            letters,
		hub:                notify.NewHub(),
		logger:             slog.Default(),
		mw:                 middleware.Chain(),
		defaultConcurrency: 4,
		pollInterval:       500 * time.Millisecond,
		leaseDuration:      30 * time.Second,
		heartbeatInterval:  10 * time.Second,
		sweepInterval:      5 * time.Second,
		cleanupInterval:    time.Minute,
		states:             make(map[string]*workerState),
		cmdCh:              make(chan command, 16),
		stopCh:             make(chan struct{}),
		inflight:           make(map[id.JobID]inflightJob),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Lifecycle commands
// ──────────────────────────────────────────────────

type op int

const (
	opRegister op = iota
	opScale
	opPause
	opResume
	opDrain
	opUnregister
	opSlotExit
)

type command struct {
	op     op
	queue  string
	target int
	reason string
	reg    *registration
	slot   *slot
	reply  chan result
}

type result struct {
	h   *Handle
	err error
}

// registration carries validated per-worker options into the
// supervisor.
type registration struct {
	concurrency int
	rlMax       int
	rlWindow    time.Duration
	limiter     *rate.Limiter
}

// RegisterOption configures a worker registration.
type RegisterOption func(*registration)

// WithConcurrency sets the worker's slot count.
func WithConcurrency(n int) RegisterOption {
	return func(r *registration) { r.concurrency = n }
}

// WithRateLimit caps this worker's claim rate to max claims per
// window, independent of any queue-level limit.
func WithRateLimit(max int, window time.Duration) RegisterOption {
	return func(r *registration) {
		r.rlMax = max
		r.rlWindow = window
	}
}

// Register creates a worker handle for the queue and, once the
// manager is started, begins its claim slots. One worker per queue;
// a stopped handle may be replaced by registering again.
func (m *Manager) Register(ctx context.Context, queueName string, opts ...RegisterOption) (*Handle, error) {
	reg := registration{concurrency: m.defaultConcurrency}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.concurrency <= 0 {
		return nil, fault.Newf(fault.CategoryConfiguration, "worker concurrency must be positive, got %d", reg.concurrency)
	}
	if reg.rlMax < 0 {
		return nil, fault.Newf(fault.CategoryConfiguration, "worker rate limit must not be negative, got %d", reg.rlMax)
	}
	if reg.rlMax > 0 && reg.rlWindow <= 0 {
		return nil, fault.Newf(fault.CategoryConfiguration, "worker rate limit window must be positive")
	}

	if _, err := m.queues.Get(ctx, queueName); err != nil {
		return nil, err
	}

	if reg.rlMax > 0 {
		reg.limiter = rate.NewLimiter(rate.Every(reg.rlWindow/time.Duration(reg.rlMax)), reg.rlMax)
	}
	return m.do(ctx, command{op: opRegister, queue: queueName, reg: &reg})
}

// Scale adjusts the worker's slot count to target. Scaling up spawns
// new slots; scaling down marks excess slots draining so they finish
// in-flight work before exiting. The reason is carried into the
// WorkersScaled hook ("manual", "autoscale", ...).
func (m *Manager) Scale(ctx context.Context, queueName string, target int, reason string) (*Handle, error) {
	if target < 0 {
		return nil, fault.Newf(fault.CategoryConfiguration, "scale target must not be negative, got %d", target)
	}
	return m.do(ctx, command{op: opScale, queue: queueName, target: target, reason: reason})
}

// Pause suspends the worker's claim loop. The handle and its counters
// are kept; in-flight jobs run to completion.
func (m *Manager) Pause(ctx context.Context, queueName string) error {
	_, err := m.do(ctx, command{op: opPause, queue: queueName})
	return err
}

// Resume re-enables a paused worker's claim loop.
func (m *Manager) Resume(ctx context.Context, queueName string) error {
	_, err := m.do(ctx, command{op: opResume, queue: queueName})
	return err
}

// Drain stops the worker from claiming and lets in-flight jobs
// finish. The handle remains, transitioning to stopped once the last
// slot exits.
func (m *Manager) Drain(ctx context.Context, queueName string) error {
	_, err := m.do(ctx, command{op: opDrain, queue: queueName})
	return err
}

// Unregister drains the worker and removes its handle once the last
// slot exits.
func (m *Manager) Unregister(ctx context.Context, queueName string) error {
	_, err := m.do(ctx, command{op: opUnregister, queue: queueName})
	return err
}

// Handles returns snapshots of all worker handles, sorted by queue.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.states))
	for _, ws := range m.states {
		out = append(out, *ws.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// Handle returns a snapshot of the worker for the queue.
func (m *Manager) Handle(queueName string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.states[queueName]
	if !ok {
		return nil, photoq.ErrWorkerNotFound
	}
	return ws.snapshotLocked(), nil
}

// do routes a command to the supervisor, or applies it directly when
// the supervisor is not running (no slots exist then, so the direct
// mutation is safe under the lock).
func (m *Manager) do(ctx context.Context, cmd command) (*Handle, error) {
	m.mu.Lock()
	if !m.running {
		h, post, err := m.applyLocked(cmd)
		m.mu.Unlock()
		if post != nil {
			post()
		}
		return h, err
	}
	m.mu.Unlock()

	cmd.reply = make(chan result, 1)
	select {
	case m.cmdCh <- cmd:
	case <-m.stopCh:
		return nil, photoq.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.h, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) supervise() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case cmd := <-m.cmdCh:
			m.mu.Lock()
			h, post, err := m.applyLocked(cmd)
			m.mu.Unlock()
			if post != nil {
				post()
			}
			if cmd.reply != nil {
				cmd.reply <- result{h: h, err: err}
			}
		}
	}
}

// applyLocked mutates slot state. Caller holds m.mu. The returned
// post func runs after the lock is released (hook emission must not
// hold the lock).
func (m *Manager) applyLocked(cmd command) (*Handle, func(), error) {
	switch cmd.op {
	case opRegister:
		if ws, ok := m.states[cmd.queue]; ok && ws.status != StatusStopped {
			return nil, nil, photoq.ErrWorkerExists
		}
		ws := &workerState{
			id:          id.NewWorkerID(),
			queue:       cmd.queue,
			status:      StatusRunning,
			concurrency: cmd.reg.concurrency,
			limiter:     cmd.reg.limiter,
			startedAt:   time.Now().UTC(),
		}
		m.states[cmd.queue] = ws
		if m.running {
			m.spawnSlotsLocked(ws, ws.concurrency)
		}
		m.logger.Info("worker registered",
			slog.String("worker_id", ws.id.String()),
			slog.String("queue", cmd.queue),
			slog.Int("concurrency", ws.concurrency),
		)
		return ws.snapshotLocked(), nil, nil

	case opScale:
		ws, ok := m.states[cmd.queue]
		if !ok {
			return nil, nil, photoq.ErrWorkerNotFound
		}
		if ws.status == StatusDraining || ws.status == StatusStopped {
			return nil, nil, fmt.Errorf("scale worker %q: %w", cmd.queue, photoq.ErrInvalidState)
		}
		from := ws.concurrency
		if cmd.target == from {
			return ws.snapshotLocked(), nil, nil
		}
		ws.concurrency = cmd.target
		if m.running {
			live := ws.liveSlotsLocked()
			if cmd.target > live {
				m.spawnSlotsLocked(ws, cmd.target-live)
			} else if cmd.target < live {
				m.drainSlotsLocked(ws, live-cmd.target)
			}
		}
		m.logger.Info("workers scaled",
			slog.String("queue", cmd.queue),
			slog.Int("from", from),
			slog.Int("to", cmd.target),
			slog.String("reason", cmd.reason),
		)
		h := ws.snapshotLocked()
		post := func() {
			if m.emitter != nil {
				m.emitter.EmitWorkersScaled(context.Background(), cmd.queue, from, cmd.target, cmd.reason)
			}
		}
		return h, post, nil

	case opPause:
		ws, ok := m.states[cmd.queue]
		if !ok {
			return nil, nil, photoq.ErrWorkerNotFound
		}
		switch ws.status {
		case StatusPaused:
			return ws.snapshotLocked(), nil, nil
		case StatusRunning:
			ws.status = StatusPaused
			m.logger.Info("worker paused", slog.String("queue", cmd.queue))
			return ws.snapshotLocked(), nil, nil
		default:
			return nil, nil, fmt.Errorf("pause worker %q: %w", cmd.queue, photoq.ErrInvalidState)
		}

	case opResume:
		ws, ok := m.states[cmd.queue]
		if !ok {
			return nil, nil, photoq.ErrWorkerNotFound
		}
		switch ws.status {
		case StatusRunning:
			return ws.snapshotLocked(), nil, nil
		case StatusPaused:
			ws.status = StatusRunning
			m.logger.Info("worker resumed", slog.String("queue", cmd.queue))
			h := ws.snapshotLocked()
			post := func() { m.hub.Wake(cmd.queue) }
			return h, post, nil
		default:
			return nil, nil, fmt.Errorf("resume worker %q: %w", cmd.queue, photoq.ErrInvalidState)
		}

	case opDrain, opUnregister:
		ws, ok := m.states[cmd.queue]
		if !ok {
			return nil, nil, photoq.ErrWorkerNotFound
		}
		if cmd.op == opUnregister {
			ws.removeOnStop = true
		}
		if ws.status != StatusStopped && ws.status != StatusDraining {
			ws.status = StatusDraining
			m.drainSlotsLocked(ws, ws.liveSlotsLocked())
			m.logger.Info("worker draining", slog.String("queue", cmd.queue))
		}
		if len(ws.slots) == 0 {
			m.finalizeLocked(ws)
		}
		return ws.snapshotLocked(), nil, nil

	case opSlotExit:
		ws, ok := m.states[cmd.queue]
		if !ok {
			return nil, nil, nil
		}
		for i, s := range ws.slots {
			if s == cmd.slot {
				ws.slots = append(ws.slots[:i], ws.slots[i+1:]...)
				break
			}
		}
		if ws.status == StatusDraining && len(ws.slots) == 0 {
			m.finalizeLocked(ws)
		}
		return nil, nil, nil
	}
	return nil, nil, nil
}

// finalizeLocked completes a drain: the handle becomes stopped, and
// is removed entirely if an unregister requested it.
func (m *Manager) finalizeLocked(ws *workerState) {
	ws.status = StatusStopped
	if ws.removeOnStop {
		delete(m.states, ws.queue)
		m.logger.Info("worker unregistered", slog.String("queue", ws.queue))
		return
	}
	m.logger.Info("worker drained", slog.String("queue", ws.queue))
}

func (m *Manager) spawnSlotsLocked(ws *workerState, n int) {
	for range n {
		s := &slot{drainCh: make(chan struct{})}
		ws.slots = append(ws.slots, s)
		m.slotWG.Add(1)
		go m.runSlot(ws, s)
	}
}

// drainSlotsLocked retires n slots from the tail of the slot list.
// Retired slots finish any in-flight job, then exit.
func (m *Manager) drainSlotsLocked(ws *workerState, n int) {
	for i := len(ws.slots) - 1; i >= 0 && n > 0; i-- {
		s := ws.slots[i]
		if s.draining {
			continue
		}
		s.draining = true
		close(s.drainCh)
		n--
	}
}

// ──────────────────────────────────────────────────
// Start / Stop
// ──────────────────────────────────────────────────

// Start launches the supervisor, the claim slots of registered
// workers, and the heartbeat, sweep, and cleanup loops. It returns
// immediately.
func (m *Manager) Start(_ context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	workers := len(m.states)
	for _, ws := range m.states {
		if ws.status == StatusRunning || ws.status == StatusPaused {
			m.spawnSlotsLocked(ws, ws.concurrency-ws.liveSlotsLocked())
		}
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise()
	if m.heartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}
	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	if m.cleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	m.logger.Info("worker manager started",
		slog.Int("workers", workers),
		slog.Duration("poll_interval", m.pollInterval),
		slog.Duration("sweep_interval", m.sweepInterval),
	)
	return nil
}

// Stop shuts the manager down: slots stop claiming immediately and
// in-flight jobs run to completion. If the context expires first,
// in-flight job contexts are cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	m.logger.Info("worker manager stopping")
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		m.slotWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("worker manager stopped")
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		m.cancelInflight()
		<-done
	}
	return nil
}
