package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/cron"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/health"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/middleware"
	"github.com/Vanuan/photoq/notify"
	"github.com/Vanuan/photoq/observability"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
	"github.com/Vanuan/photoq/store"
	"github.com/Vanuan/photoq/worker"
)

// instrumentationName identifies this module to OpenTelemetry.
const instrumentationName = "github.com/Vanuan/photoq"

// Engine owns the wired subsystem graph: the kind registry, the queue
// registry, the scheduler, the worker manager, the health monitor and
// autoscaler, the dead-letter service, and the extension registry. Use
// Build to create one from a Coordinator.
type Engine struct {
	coord  *photoq.Coordinator
	store  store.Store
	logger *slog.Logger

	extensions *ext.Registry
	kinds      *job.Registry
	hub        *notify.Hub
	queues     *queue.Registry
	letters    *dlq.Service
	sched      *scheduler.Scheduler
	workers    *worker.Manager
	monitor    *health.Monitor
	autoscaler *health.Autoscaler

	metricsExt *observability.MetricsExtension

	mws          []middleware.Middleware
	promRegistry *prometheus.Registry

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware to the execution chain, after the
// default stack (recover, tracing, metrics, logging, timeout).
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, mws...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithPrometheusRegistry routes the engine's Prometheus metrics into
// the given registry instead of the default global one.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(eng *Engine) {
		eng.promRegistry = reg
	}
}

// Build creates an Engine from a Coordinator. The Coordinator's store
// must implement store.Store.
func Build(c *photoq.Coordinator, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	storer := c.Store()
	if storer == nil {
		return nil, photoq.ErrNoStore
	}
	st, ok := storer.(store.Store)
	if !ok {
		return nil, fmt.Errorf("photoq: store does not implement store.Store")
	}

	eng := &Engine{
		coord:      c,
		store:      st,
		logger:     logger,
		extensions: ext.NewRegistry(logger),
		kinds:      job.NewRegistry(),
		hub:        notify.NewHub(),
	}

	for _, opt := range opts {
		opt(eng)
	}

	cfg := c.Config()

	// Each engine gets its own metrics registry so two engines in one
	// process never fight over collector registration.
	if eng.promRegistry == nil {
		eng.promRegistry = prometheus.NewRegistry()
	}
	eng.metricsExt = observability.NewMetricsExtensionWithRegistry(eng.promRegistry)
	eng.extensions.Register(eng.metricsExt)

	eng.queues = queue.NewRegistry(st,
		queue.WithLogger(logger),
		queue.WithBreakerTransitionFunc(func(queueName string, from, to breaker.State, _ time.Time) {
			eng.extensions.EmitBreakerStateChanged(context.Background(), queueName, from, to)
		}),
	)

	eng.letters = dlq.NewService(st, st, logger)

	eng.sched = scheduler.New(st, st, eng.queues, eng.kinds, eng.letters,
		scheduler.WithLogger(logger),
		scheduler.WithEmitter(eng.extensions),
		scheduler.WithNotifier(eng.hub),
		scheduler.WithDefaultQueue(cfg.DefaultQueue),
		scheduler.WithRecurringInterval(cfg.RecurringInterval),
	)

	var tracingMw middleware.Middleware
	if eng.tracerProvider != nil {
		tracingMw = middleware.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = middleware.Tracing()
	}
	var metricsMw middleware.Middleware
	if eng.meterProvider != nil {
		metricsMw = middleware.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = middleware.Metrics()
	}

	// Default stack: recover → tracing → metrics → logging → timeout,
	// then any user middleware innermost.
	allMws := append([]middleware.Middleware{
		middleware.Recover(logger),
		tracingMw,
		metricsMw,
		middleware.Logging(logger),
		middleware.Timeout(),
	}, eng.mws...)

	eng.workers = worker.NewManager(st, eng.kinds, eng.queues, eng.sched, eng.letters,
		worker.WithLogger(logger),
		worker.WithEmitter(eng.extensions),
		worker.WithNotifier(eng.hub),
		worker.WithMiddleware(allMws...),
		worker.WithDefaultConcurrency(cfg.Concurrency),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithLeaseDuration(cfg.LeaseDuration),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithSweepInterval(cfg.SweepInterval),
		worker.WithCleanupInterval(cfg.CleanupInterval),
		worker.WithClaimErrorFunc(func(queueName string, err error) {
			if eng.monitor != nil {
				eng.monitor.ClaimError(queueName, err)
			}
		}),
	)

	eng.monitor = health.NewMonitor(st, eng.queues, eng.workers,
		health.WithLogger(logger),
		health.WithSampleInterval(cfg.SampleInterval),
	)
	eng.extensions.Register(eng.monitor)

	eng.autoscaler = health.NewAutoscaler(eng.monitor, eng.queues, eng.workers,
		health.WithScaleLogger(logger),
		health.WithScaleInterval(cfg.ScaleInterval),
	)

	c.SetLoops(&loops{eng: eng})
	c.SetExtensions(eng.extensions)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// loops bundles the background machinery behind the Coordinator's
// runner interface, starting subsystems in dependency order and
// stopping them in reverse.
type loops struct {
	eng *Engine
}

func (l *loops) Start(ctx context.Context) error {
	eng := l.eng
	if err := eng.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := eng.queues.Load(ctx); err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	if _, err := eng.queues.Ensure(ctx, eng.coord.Config().DefaultQueue, queue.DefaultConfig()); err != nil {
		return fmt.Errorf("ensure default queue: %w", err)
	}
	if err := eng.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := eng.workers.Start(ctx); err != nil {
		return fmt.Errorf("start worker manager: %w", err)
	}
	if err := eng.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	if err := eng.autoscaler.Start(ctx); err != nil {
		return fmt.Errorf("start autoscaler: %w", err)
	}
	return nil
}

func (l *loops) Stop(ctx context.Context) error {
	eng := l.eng
	if err := eng.autoscaler.Stop(ctx); err != nil {
		eng.logger.Error("autoscaler stop error", "error", err)
	}
	if err := eng.monitor.Stop(ctx); err != nil {
		eng.logger.Error("health monitor stop error", "error", err)
	}
	if err := eng.workers.Stop(ctx); err != nil {
		return err
	}
	return eng.sched.Stop(ctx)
}

// Start begins the background machinery: claim slots, heartbeats, the
// lease sweep, recurring dispatch, health sampling, and autoscaling.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.coord.Start(ctx)
}

// Stop gracefully shuts the engine down, draining in-flight jobs
// within the configured ShutdownTimeout.
func (eng *Engine) Stop(ctx context.Context) error {
	if d := eng.coord.Config().ShutdownTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return eng.coord.Stop(ctx)
}

// ──────────────────────────────────────────────────
// Producer API
// ──────────────────────────────────────────────────

// Register registers a typed job-kind definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterKind(eng.kinds, def)
}

// RegisterKind registers a type-erased handler for a kind, for callers
// that manage their own payload encoding.
func (eng *Engine) RegisterKind(kind string, h job.HandlerFunc, opts ...job.Option) {
	eng.kinds.RegisterRaw(kind, h, opts...)
}

// Enqueue marshals payload to JSON and enqueues a job of the given
// kind.
func Enqueue[T any](ctx context.Context, eng *Engine, kind string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for kind %q: %w", kind, err)
	}
	return eng.EnqueueRaw(ctx, kind, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, kind string, payload []byte, opts ...job.Option) (*job.Job, error) {
	return eng.sched.Enqueue(ctx, kind, payload, opts...)
}

// BulkEnqueue enqueues a batch of jobs, stopping at the first error.
func (eng *Engine) BulkEnqueue(ctx context.Context, items []scheduler.Item) ([]*job.Job, error) {
	return eng.sched.BulkEnqueue(ctx, items)
}

// RegisterCron registers a typed recurring schedule that spawns jobs of
// def.Kind on each fire. Registration is idempotent: a schedule whose
// name already exists is left untouched, so restarting a process does
// not clobber changes operators made through the admin API. The kind
// must already be registered and the target queue must exist.
func RegisterCron[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload for schedule %q: %w", def.Name, err)
	}
	_, err = eng.sched.ScheduleRecurring(ctx, &scheduler.RecurringSpec{
		Name:        def.Name,
		Queue:       def.Queue,
		Kind:        def.Kind,
		Payload:     payload,
		Schedule:    def.Schedule,
		Timezone:    def.Timezone,
		Priority:    def.Priority,
		MaxAttempts: def.MaxAttempts,
		Backoff:     def.Backoff,
		Timeout:     def.Timeout,
		Enabled:     true,
	})
	if errors.Is(err, photoq.ErrDuplicateRecurring) {
		return nil
	}
	return err
}

// ──────────────────────────────────────────────────
// Admin API
// ──────────────────────────────────────────────────

// Job retrieves a job by ID.
func (eng *Engine) Job(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// CancelJob cancels a job no worker has claimed yet.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.sched.Cancel(ctx, jobID)
}

// RetryJob makes a failed or delayed job immediately eligible again.
func (eng *Engine) RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.sched.RetryNow(ctx, jobID)
}

// CreateQueue registers a new queue.
func (eng *Engine) CreateQueue(ctx context.Context, name string, cfg queue.Config) (*queue.Queue, error) {
	return eng.queues.Create(ctx, name, cfg)
}

// ScaleWorkers resizes the worker pool for a queue.
func (eng *Engine) ScaleWorkers(ctx context.Context, queueName string, target int) (*worker.Handle, error) {
	return eng.workers.Scale(ctx, queueName, target, "manual")
}

// Health returns the engine-wide health snapshot.
func (eng *Engine) Health(ctx context.Context) (*health.Health, error) {
	return eng.monitor.Snapshot(ctx)
}

// QueueHealth returns stats and a health verdict for one queue.
func (eng *Engine) QueueHealth(ctx context.Context, name string) (*health.QueueStats, error) {
	return eng.monitor.QueueStats(ctx, name)
}

// MetricsHandler returns the HTTP handler serving the engine's
// Prometheus metrics.
func (eng *Engine) MetricsHandler() http.Handler {
	return eng.metricsExt.Handler()
}

// ──────────────────────────────────────────────────
// Subsystem access
// ──────────────────────────────────────────────────

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Kinds returns the job kind registry.
func (eng *Engine) Kinds() *job.Registry { return eng.kinds }

// Queues returns the queue registry.
func (eng *Engine) Queues() *queue.Registry { return eng.queues }

// Scheduler returns the scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.sched }

// Workers returns the worker manager.
func (eng *Engine) Workers() *worker.Manager { return eng.workers }

// Monitor returns the health monitor.
func (eng *Engine) Monitor() *health.Monitor { return eng.monitor }

// DLQ returns the dead-letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.letters }

// Store returns the engine's composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// Coordinator returns the underlying Coordinator.
func (eng *Engine) Coordinator() *photoq.Coordinator { return eng.coord }
