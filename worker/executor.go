package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
)

// ErrNotInJob is returned by UpdateProgress and SetResult when the
// context does not belong to a running job handler.
var ErrNotInJob = errors.New("photoq/worker: not inside a job handler")

type procCtxKey struct{}

// procContext is threaded through the handler context so a running job
// can report progress and stage its result.
type procContext struct {
	store    job.Store
	jobID    id.JobID
	workerID id.WorkerID
	leaseFor time.Duration

	mu     sync.Mutex
	result []byte
}

func (pc *procContext) setResult(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	pc.mu.Lock()
	pc.result = cp
	pc.mu.Unlock()
}

func (pc *procContext) takeResult() []byte {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.result
}

// UpdateProgress reports completion progress (0-100) from inside a job
// handler. The write also renews the job's lease, so long handlers
// that report progress are never reaped as stalled.
func UpdateProgress(ctx context.Context, pct int) error {
	pc, ok := ctx.Value(procCtxKey{}).(*procContext)
	if !ok {
		return ErrNotInJob
	}
	return pc.store.SetJobProgress(ctx, pc.jobID, pc.workerID, pct, pc.leaseFor)
}

// SetResult stages the job's result payload from inside a job handler.
// It is persisted with the completion when the handler returns nil.
func SetResult(ctx context.Context, data []byte) error {
	pc, ok := ctx.Value(procCtxKey{}).(*procContext)
	if !ok {
		return ErrNotInJob
	}
	pc.setResult(data)
	return nil
}

// inflightJob tracks one executing job for lease renewal and deadline
// cancellation.
type inflightJob struct {
	workerID id.WorkerID
	leaseFor time.Duration
	cancel   context.CancelFunc
}

func (m *Manager) trackInflight(jobID id.JobID, fl inflightJob) {
	m.inflightMu.Lock()
	m.inflight[jobID] = fl
	m.inflightMu.Unlock()
}

func (m *Manager) untrackInflight(jobID id.JobID) {
	m.inflightMu.Lock()
	delete(m.inflight, jobID)
	m.inflightMu.Unlock()
}

// cancelInflight cancels the contexts of all executing jobs. Stop
// calls it when the shutdown deadline expires before in-flight work
// completes.
func (m *Manager) cancelInflight() {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	for _, fl := range m.inflight {
		fl.cancel()
	}
}

// execute runs one claimed job through the middleware chain and
// settles the outcome. Success persists the completion; failure hands
// the job to the failure router, which schedules a retry or dead
// letters it.
func (m *Manager) execute(ws *workerState, j *job.Job, leaseFor time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pc := &procContext{store: m.store, jobID: j.ID, workerID: ws.id, leaseFor: leaseFor}
	ctx = context.WithValue(ctx, procCtxKey{}, pc)

	m.trackInflight(j.ID, inflightJob{workerID: ws.id, leaseFor: leaseFor, cancel: cancel})
	defer m.untrackInflight(j.ID)

	if m.emitter != nil {
		m.emitter.EmitJobStarted(ctx, j)
	}

	start := time.Now()
	err := m.runHandler(ctx, j)
	elapsed := time.Since(start)

	brk := m.queues.Breaker(ws.queue)

	if err == nil {
		if brk != nil {
			brk.RecordSuccess()
		}
		completed, compErr := m.store.CompleteJob(context.Background(), j.ID, ws.id, pc.takeResult())
		if compErr != nil {
			// The handler finished but the lease was lost first;
			// another worker owns the job now and this result is
			// discarded.
			m.logger.Warn("completion lost",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", ws.queue),
				slog.Any("error", compErr),
			)
			return
		}
		ws.processed.Add(1)
		if m.emitter != nil {
			m.emitter.EmitJobCompleted(ctx, completed, elapsed)
		}
		return
	}

	ws.failed.Add(1)
	if brk != nil {
		brk.RecordFailure()
	}
	if m.emitter != nil {
		m.emitter.EmitJobFailed(ctx, j, err)
	}
	if _, routeErr := m.router.HandleFailure(context.Background(), j, err); routeErr != nil {
		m.logger.Error("failure routing error",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", ws.queue),
			slog.Any("error", routeErr),
		)
	}
}

// runHandler resolves the job's handler and runs the middleware chain
// around it. A missing handler is a configuration fault: the job dead
// letters rather than burning retries, and can be requeued once the
// kind is registered.
func (m *Manager) runHandler(ctx context.Context, j *job.Job) error {
	handler, ok := m.kinds.Get(j.Kind)
	if !ok {
		return fault.New(fault.CategoryConfiguration, fmt.Errorf("%w: %s", photoq.ErrUnknownKind, j.Kind))
	}
	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}
	return m.mw(ctx, j, terminal)
}
