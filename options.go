package photoq

import (
	"context"
	"log/slog"
)

// Option configures a Coordinator.
type Option func(*Coordinator) error

// Storer is the minimal store interface held by the Coordinator.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// runner is an internal interface for the background loop bundle
// (worker manager, recurring dispatch, sweeps, health sampling).
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Coordinator is the central owner of queue coordination: it holds the
// configuration, the store, and the background machinery that schedules,
// claims, retries, and observes jobs.
//
// Create one with New() and functional options. The Coordinator holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build() to wire everything together.
type Coordinator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	loops      runner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Coordinator with the given options.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Logger returns the coordinator's logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }

// Store returns the coordinator's store.
func (c *Coordinator) Store() Storer { return c.store }

// Config returns a copy of the coordinator's configuration.
func (c *Coordinator) Config() Config { return c.config }

// SetLoops sets the background loop bundle (called by the engine package).
func (c *Coordinator) SetLoops(r runner) { c.loops = r }

// SetExtensions sets the extension emitter (called by the engine package).
func (c *Coordinator) SetExtensions(e extensionEmitter) { c.extensions = e }

// Start begins claim loops, sweeps, and recurring dispatch.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.loops == nil {
		return ErrNoStore
	}
	if err := c.loops.Start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop gracefully shuts down the coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.loops != nil && c.started {
		if err := c.loops.Stop(ctx); err != nil {
			c.logger.Error("loop stop error", "error", err)
		}
	}
	if c.extensions != nil {
		c.extensions.EmitShutdown(ctx)
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// WithConcurrency sets the default claim slot count per registered worker.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) error {
		c.config.Concurrency = n
		return nil
	}
}

// WithDefaultQueue sets the queue used when an enqueue names none.
func WithDefaultQueue(name string) Option {
	return func(c *Coordinator) error {
		c.config.DefaultQueue = name
		return nil
	}
}

// WithLogger sets the structured logger for the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the coordinator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(c *Coordinator) error {
		c.store = s
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) error {
		c.config = cfg
		return nil
	}
}
