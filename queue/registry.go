package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/fault"
)

// BreakerTransitionFunc observes breaker state changes per queue.
type BreakerTransitionFunc func(queue string, from, to breaker.State, at time.Time)

// handle is the runtime state the registry owns for one queue: the
// persisted definition plus the limiter, breaker, and active count the
// claim path consults.
type handle struct {
	queue   *Queue
	limiter *rate.Limiter
	active  int
	brk     *breaker.Breaker
}

// Registry owns the set of logical queues. It persists definitions
// through a Store and keeps per-queue runtime state (pause flag, rate
// limiter, active count, circuit breaker) that the claim path gates on.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	store   Store
	logger  *slog.Logger
	handles map[string]*handle

	onBreakerChange BreakerTransitionFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithBreakerTransitionFunc registers an observer for breaker state
// changes across all queues.
func WithBreakerTransitionFunc(fn BreakerTransitionFunc) Option {
	return func(r *Registry) { r.onBreakerChange = fn }
}

// NewRegistry creates a Registry backed by the given store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		logger:  slog.Default(),
		handles: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load installs runtime handles for every queue in the store. Called
// once at engine start; safe to call again to pick up queues created
// by other nodes.
func (r *Registry) Load(ctx context.Context) error {
	queues, err := r.store.ListQueues(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range queues {
		if _, ok := r.handles[q.Name]; !ok {
			r.handles[q.Name] = r.newHandle(q)
		}
	}
	return nil
}

// Create registers a new queue. Returns ErrQueueAlreadyExists if the
// name is taken.
func (r *Registry) Create(ctx context.Context, name string, cfg Config) (*Queue, error) {
	if name == "" {
		return nil, fault.Newf(fault.CategoryConfiguration, "queue name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := New(name, cfg)
	if err := r.store.CreateQueue(ctx, q); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.handles[name] = r.newHandle(q)
	r.mu.Unlock()

	r.logger.Info("queue created", "queue", name)
	return q, nil
}

// Ensure returns the named queue, creating it with cfg if absent.
func (r *Registry) Ensure(ctx context.Context, name string, cfg Config) (*Queue, error) {
	q, err := r.Create(ctx, name, cfg)
	if errors.Is(err, photoq.ErrQueueAlreadyExists) {
		return r.Get(ctx, name)
	}
	return q, err
}

// Get returns the named queue. Returns ErrQueueNotFound if absent.
func (r *Registry) Get(ctx context.Context, name string) (*Queue, error) {
	r.mu.Lock()
	if h, ok := r.handles[name]; ok {
		q := *h.queue
		r.mu.Unlock()
		return &q, nil
	}
	r.mu.Unlock()

	q, err := r.store.GetQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.handles[name]; !ok {
		r.handles[name] = r.newHandle(q)
	}
	r.mu.Unlock()
	return q, nil
}

// List returns all queues from the store.
func (r *Registry) List(ctx context.Context) ([]*Queue, error) {
	return r.store.ListQueues(ctx)
}

// Names returns the names of all locally registered queues.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	return names
}

// UpdateConfig replaces a queue's configuration. The change applies to
// subsequently scheduled jobs only; jobs already in the queue keep the
// options they were enqueued with. Limiter and concurrency changes
// take effect on the next claim.
func (r *Registry) UpdateConfig(ctx context.Context, name string, cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	prev := q.Config
	q.Config = cfg.Normalize()
	q.Touch()
	if err := r.store.UpdateQueue(ctx, q); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if h, ok := r.handles[name]; ok {
		h.queue = q
		h.limiter = newLimiter(q.Config.RateLimit)
		// Breaker state survives a reconfigure unless its thresholds
		// changed.
		if q.Config.Breaker != prev.Breaker {
			h.brk = r.newBreaker(name, q.Config.Breaker)
		}
	} else {
		r.handles[name] = r.newHandle(q)
	}
	r.mu.Unlock()

	r.logger.Info("queue config updated", "queue", name)
	return q, nil
}

// Pause stops new claims from the queue. In-flight jobs are unaffected
// and enqueues remain allowed.
func (r *Registry) Pause(ctx context.Context, name string) error {
	return r.setPaused(ctx, name, true)
}

// Resume re-enables claims from the queue.
func (r *Registry) Resume(ctx context.Context, name string) error {
	return r.setPaused(ctx, name, false)
}

func (r *Registry) setPaused(ctx context.Context, name string, paused bool) error {
	q, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if q.Paused == paused {
		return nil
	}

	q.Paused = paused
	q.Touch()
	if err := r.store.UpdateQueue(ctx, q); err != nil {
		return err
	}

	r.mu.Lock()
	if h, ok := r.handles[name]; ok {
		h.queue = q
	}
	r.mu.Unlock()

	r.logger.Info("queue pause changed", "queue", name, "paused", paused)
	return nil
}

// Delete removes a queue definition and its runtime handle.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteQueue(ctx, name); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.handles, name)
	r.mu.Unlock()

	r.logger.Info("queue deleted", "queue", name)
	return nil
}

// IsPaused reports the pause flag of a locally registered queue.
func (r *Registry) IsPaused(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		return h.queue.Paused
	}
	return false
}

// Acquire gates one claim attempt against the queue: pause flag, then
// concurrency cap, then circuit breaker, then rate limit. On nil the
// caller holds an active slot and MUST call Release when the job
// resolves (and Breaker(name).Cancel() if no job was actually claimed).
func (r *Registry) Acquire(name string) error {
	r.mu.Lock()
	h, ok := r.handles[name]
	if !ok {
		r.mu.Unlock()
		return photoq.ErrQueueNotFound
	}
	if h.queue.Paused {
		r.mu.Unlock()
		return photoq.ErrQueuePaused
	}
	if mc := h.queue.Config.MaxConcurrency; mc > 0 && h.active >= mc {
		r.mu.Unlock()
		return photoq.ErrThrottled
	}
	// Reserve the slot before the limiter and breaker checks so the
	// cap holds without nesting their locks inside ours.
	h.active++
	brk, lim := h.brk, h.limiter
	r.mu.Unlock()

	if brk != nil && !brk.Allow() {
		r.Release(name)
		return photoq.ErrBreakerOpen
	}
	if lim != nil && !lim.Allow() {
		if brk != nil {
			brk.Cancel()
		}
		r.Release(name)
		return photoq.ErrThrottled
	}
	return nil
}

// Release returns an active slot acquired via Acquire.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok && h.active > 0 {
		h.active--
	}
}

// ActiveCount returns the number of locally held active slots for the
// queue.
func (r *Registry) ActiveCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		return h.active
	}
	return 0
}

// Breaker returns the circuit breaker for a registered queue, or nil
// if the queue is unknown.
func (r *Registry) Breaker(name string) *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		return h.brk
	}
	return nil
}

func (r *Registry) newHandle(q *Queue) *handle {
	return &handle{
		queue:   q,
		limiter: newLimiter(q.Config.RateLimit),
		brk:     r.newBreaker(q.Name, q.Config.Breaker),
	}
}

func (r *Registry) newBreaker(name string, cfg breaker.Config) *breaker.Breaker {
	return breaker.New(cfg, breaker.WithTransitionFunc(func(from, to breaker.State, at time.Time) {
		// Transition points only, to keep a flapping target from
		// flooding the log.
		r.logger.Warn("breaker state changed", "queue", name, "from", string(from), "to", string(to))
		if r.onBreakerChange != nil {
			r.onBreakerChange(name, from, to, at)
		}
	}))
}

// newLimiter builds the token bucket for a rate limit: Max tokens per
// Window with bursts up to Max. Nil when the limit is disabled.
func newLimiter(rl RateLimit) *rate.Limiter {
	if !rl.Enabled() {
		return nil
	}
	return rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.Max)), rl.Max)
}
