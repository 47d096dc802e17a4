package health

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/worker"
)

// Scaler applies worker pool size changes. worker.Manager satisfies
// this interface.
type Scaler interface {
	Handle(queueName string) (*worker.Handle, error)
	Scale(ctx context.Context, queueName string, target int, reason string) (*worker.Handle, error)
}

const defaultTargetDrain = time.Minute

type adjustment struct {
	at  time.Time
	dir int
}

// Autoscaler sizes worker pools from the monitor's stats. On each
// interval it visits every queue whose scale policy is enabled and
// asks for enough slots to drain the ready backlog within the
// policy's TargetDrain at the observed per-worker throughput. The
// result is clamped to [Min, Max], movement is capped by Step, and a
// direction reversal inside Cooldown is skipped so the pool does not
// oscillate.
type Autoscaler struct {
	monitor *Monitor
	queues  *queue.Registry
	scaler  Scaler
	logger  *slog.Logger

	interval        time.Duration
	floorThroughput float64

	mu   sync.Mutex
	last map[string]adjustment

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// AutoscaleOption configures an Autoscaler.
type AutoscaleOption func(*Autoscaler)

// WithScaleLogger sets the logger used by the autoscaler.
func WithScaleLogger(l *slog.Logger) AutoscaleOption {
	return func(a *Autoscaler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithScaleInterval sets how often pools are re-evaluated.
func WithScaleInterval(d time.Duration) AutoscaleOption {
	return func(a *Autoscaler) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithFloorThroughput sets the per-worker jobs/sec assumed for a queue
// that has no observed processing durations yet.
func WithFloorThroughput(perSecond float64) AutoscaleOption {
	return func(a *Autoscaler) {
		if perSecond > 0 {
			a.floorThroughput = perSecond
		}
	}
}

// NewAutoscaler creates an Autoscaler reading stats from the monitor
// and applying changes through the scaler.
func NewAutoscaler(monitor *Monitor, queues *queue.Registry, scaler Scaler, opts ...AutoscaleOption) *Autoscaler {
	a := &Autoscaler{
		monitor:         monitor,
		queues:          queues,
		scaler:          scaler,
		logger:          slog.Default(),
		interval:        15 * time.Second,
		floorThroughput: 1.0,
		last:            make(map[string]adjustment),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start begins the evaluation loop.
func (a *Autoscaler) Start(_ context.Context) error {
	a.wg.Add(1)
	go a.runLoop()
	a.logger.Info("autoscaler started", slog.Duration("scale_interval", a.interval))
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (a *Autoscaler) Stop(_ context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	a.logger.Info("autoscaler stopped")
	return nil
}

func (a *Autoscaler) runLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Autoscaler) tick() {
	ctx := context.Background()
	qs, err := a.queues.List(ctx)
	if err != nil {
		a.logger.Error("queue list failed during autoscale", "error", err)
		return
	}
	for _, q := range qs {
		if !q.Config.Scale.Enabled() {
			continue
		}
		a.adjust(ctx, q.Name, q.Config.Scale)
	}
}

func (a *Autoscaler) adjust(ctx context.Context, name string, pol queue.ScalePolicy) {
	h, err := a.scaler.Handle(name)
	if err != nil {
		// No pool for this queue on this node.
		return
	}
	if h.Status != worker.StatusRunning {
		return
	}

	st, err := a.monitor.QueueStats(ctx, name)
	if err != nil {
		a.logger.Error("queue stats unavailable during autoscale", "queue", name, "error", err)
		return
	}
	if st.Paused || st.SampledAt.IsZero() {
		return
	}

	current := h.Concurrency
	desired := a.desired(st.Ready, st.AvgProcessing, pol)
	if pol.Step > 0 {
		if desired > current+pol.Step {
			desired = current + pol.Step
		}
		if desired < current-pol.Step {
			desired = current - pol.Step
		}
	}
	if desired == current {
		return
	}

	dir := 1
	if desired < current {
		dir = -1
	}
	a.mu.Lock()
	last, seen := a.last[name]
	a.mu.Unlock()
	if seen && pol.Cooldown > 0 && last.dir != dir && time.Since(last.at) < pol.Cooldown {
		return
	}

	if _, err := a.scaler.Scale(ctx, name, desired, "autoscale"); err != nil {
		a.logger.Error("autoscale adjustment failed",
			slog.String("queue", name),
			slog.Int("target", desired),
			slog.Any("error", err),
		)
		return
	}

	a.mu.Lock()
	a.last[name] = adjustment{at: time.Now().UTC(), dir: dir}
	a.mu.Unlock()

	a.logger.Debug("pool resized for backlog",
		slog.String("queue", name),
		slog.Int("from", current),
		slog.Int("to", desired),
		slog.Int64("ready", st.Ready),
	)
}

// desired sizes the pool so ready jobs drain within TargetDrain at the
// observed per-worker throughput, clamped to the policy bounds.
func (a *Autoscaler) desired(ready int64, avgProc time.Duration, pol queue.ScalePolicy) int {
	perWorker := a.floorThroughput
	if avgProc > 0 {
		perWorker = float64(time.Second) / float64(avgProc)
	}
	drain := pol.TargetDrain.Seconds()
	if drain <= 0 {
		drain = defaultTargetDrain.Seconds()
	}

	d := int(math.Ceil(float64(ready) / (perWorker * drain)))
	if d < pol.Min {
		d = pol.Min
	}
	if d > pol.Max {
		d = pol.Max
	}
	return d
}
