package amqphook

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.JobEnqueued         = (*Extension)(nil)
	_ ext.JobStarted          = (*Extension)(nil)
	_ ext.JobCompleted        = (*Extension)(nil)
	_ ext.JobFailed           = (*Extension)(nil)
	_ ext.JobRetrying         = (*Extension)(nil)
	_ ext.JobDeadLettered     = (*Extension)(nil)
	_ ext.JobCancelled        = (*Extension)(nil)
	_ ext.RecurringFired      = (*Extension)(nil)
	_ ext.BreakerStateChanged = (*Extension)(nil)
	_ ext.WorkersScaled       = (*Extension)(nil)
	_ ext.Shutdown            = (*Extension)(nil)
)

// DefaultBuffer is the event buffer size when WithBuffer is not given.
const DefaultBuffer = 256

// publishTimeout bounds a single broker publish.
const publishTimeout = 5 * time.Second

// Extension publishes lifecycle events through a Publisher. Hooks only
// enqueue onto a buffered channel; a single goroutine encodes and
// publishes, and a full buffer drops the event rather than blocking the
// caller.
type Extension struct {
	pub     Publisher
	codec   Codec
	logger  *slog.Logger
	enabled map[string]bool // nil = all enabled
	buffer  int

	events  chan *Envelope
	dropped atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an Extension publishing through pub and starts its
// publisher goroutine. Call Close, or register the extension with an
// engine that emits shutdown, to flush and stop it.
func New(pub Publisher, opts ...Option) *Extension {
	h := &Extension{
		pub:    pub,
		codec:  &JSONCodec{},
		logger: slog.Default(),
		buffer: DefaultBuffer,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.events = make(chan *Envelope, h.buffer)
	go h.pump()
	return h
}

// Name implements ext.Extension.
func (h *Extension) Name() string { return "amqp-hook" }

// Dropped reports how many events were discarded because the buffer
// was full.
func (h *Extension) Dropped() uint64 { return h.dropped.Load() }

// Close flushes buffered events and stops the publisher goroutine.
func (h *Extension) Close() error {
	return h.OnShutdown(context.Background())
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (h *Extension) OnJobEnqueued(_ context.Context, j *job.Job) error {
	return h.send(jobEnvelope(EventJobEnqueued, j))
}

// OnJobStarted implements ext.JobStarted.
func (h *Extension) OnJobStarted(_ context.Context, j *job.Job) error {
	return h.send(jobEnvelope(EventJobStarted, j))
}

// OnJobCompleted implements ext.JobCompleted.
func (h *Extension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	env := jobEnvelope(EventJobCompleted, j)
	env.ElapsedMs = elapsed.Milliseconds()
	return h.send(env)
}

// OnJobFailed implements ext.JobFailed.
func (h *Extension) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	env := jobEnvelope(EventJobFailed, j)
	env.Error = jobErr.Error()
	return h.send(env)
}

// OnJobRetrying implements ext.JobRetrying.
func (h *Extension) OnJobRetrying(_ context.Context, j *job.Job, delay time.Duration) error {
	env := jobEnvelope(EventJobRetrying, j)
	env.Error = j.LastError
	env.DelayMs = delay.Milliseconds()
	return h.send(env)
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (h *Extension) OnJobDeadLettered(_ context.Context, j *job.Job, rec *dlq.Record) error {
	env := jobEnvelope(EventJobDeadLettered, j)
	env.Error = rec.Error
	env.Category = string(rec.Category)
	env.Reason = rec.Reason
	return h.send(env)
}

// OnJobCancelled implements ext.JobCancelled.
func (h *Extension) OnJobCancelled(_ context.Context, j *job.Job) error {
	return h.send(jobEnvelope(EventJobCancelled, j))
}

// ── Coordination hooks ──────────────────────────────

// OnRecurringFired implements ext.RecurringFired.
func (h *Extension) OnRecurringFired(_ context.Context, specName string, jobID id.JobID) error {
	return h.send(&Envelope{
		Event: EventRecurringFired,
		At:    time.Now().UTC(),
		Spec:  specName,
		JobID: jobID.String(),
	})
}

// OnBreakerStateChanged implements ext.BreakerStateChanged.
func (h *Extension) OnBreakerStateChanged(_ context.Context, queue string, from, to breaker.State) error {
	return h.send(&Envelope{
		Event:     EventBreakerChanged,
		At:        time.Now().UTC(),
		Queue:     queue,
		FromState: string(from),
		ToState:   string(to),
	})
}

// OnWorkersScaled implements ext.WorkersScaled.
func (h *Extension) OnWorkersScaled(_ context.Context, queue string, from, to int, reason string) error {
	return h.send(&Envelope{
		Event:       EventWorkersScaled,
		At:          time.Now().UTC(),
		Queue:       queue,
		Reason:      reason,
		FromWorkers: from,
		ToWorkers:   to,
	})
}

// OnShutdown implements ext.Shutdown. It stops the publisher goroutine
// after draining the buffer, or returns early when ctx expires.
func (h *Extension) OnShutdown(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Internal ────────────────────────────────────────

// send queues an envelope for publication if its event type is enabled.
func (h *Extension) send(env *Envelope) error {
	if h.enabled != nil && !h.enabled[env.Event] {
		return nil
	}
	select {
	case <-h.stopCh:
		return nil
	default:
	}
	select {
	case h.events <- env:
	default:
		h.dropped.Add(1)
	}
	return nil
}

func (h *Extension) pump() {
	defer close(h.done)
	for {
		select {
		case env := <-h.events:
			h.publish(env)
		case <-h.stopCh:
			for {
				select {
				case env := <-h.events:
					h.publish(env)
				default:
					return
				}
			}
		}
	}
}

func (h *Extension) publish(env *Envelope) {
	body, err := h.codec.Encode(env)
	if err != nil {
		h.logger.Warn("event encode failed", "event", env.Event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.pub.Publish(ctx, env.Event, h.codec.ContentType(), body); err != nil {
		h.logger.Warn("event publish failed", "event", env.Event, "error", err)
	}
}
