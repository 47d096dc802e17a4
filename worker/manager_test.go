package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/backoff"
	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/notify"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
	"github.com/Vanuan/photoq/store/memory"
	"github.com/Vanuan/photoq/worker"
)

// trackingEmitter records lifecycle events in order. It satisfies both
// the worker and the scheduler emitter interfaces, like ext.Registry
// does in production wiring.
type trackingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *trackingEmitter) record(name string) {
	e.mu.Lock()
	e.events = append(e.events, name)
	e.mu.Unlock()
}

func (e *trackingEmitter) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == name {
			n++
		}
	}
	return n
}

func (e *trackingEmitter) EmitJobEnqueued(context.Context, *job.Job)  { e.record("enqueued") }
func (e *trackingEmitter) EmitJobStarted(context.Context, *job.Job)   { e.record("started") }
func (e *trackingEmitter) EmitJobCancelled(context.Context, *job.Job) { e.record("cancelled") }
func (e *trackingEmitter) EmitJobCompleted(context.Context, *job.Job, time.Duration) {
	e.record("completed")
}
func (e *trackingEmitter) EmitJobFailed(context.Context, *job.Job, error) { e.record("failed") }
func (e *trackingEmitter) EmitJobRetrying(context.Context, *job.Job, time.Duration) {
	e.record("retrying")
}
func (e *trackingEmitter) EmitJobDeadLettered(context.Context, *job.Job, *dlq.Record) {
	e.record("dead_lettered")
}
func (e *trackingEmitter) EmitRecurringFired(context.Context, string, id.JobID) {
	e.record("recurring_fired")
}
func (e *trackingEmitter) EmitWorkersScaled(_ context.Context, _ string, from, to int, reason string) {
	e.record(fmt.Sprintf("scaled:%d:%d:%s", from, to, reason))
}

// testEnv wires a manager against the in-memory store with fast
// intervals, one queue, and the scheduler as failure router.
type testEnv struct {
	store   *memory.Store
	queues  *queue.Registry
	kinds   *job.Registry
	letters *dlq.Service
	sched   *scheduler.Scheduler
	hub     *notify.Hub
	mgr     *worker.Manager
	events  *trackingEmitter
}

func newEnv(t *testing.T, opts ...worker.Option) *testEnv {
	t.Helper()
	s := memory.New()
	ctx := context.Background()

	queues := queue.NewRegistry(s)
	if _, err := queues.Create(ctx, "default", queue.DefaultConfig()); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	kinds := job.NewRegistry()
	hub := notify.NewHub()
	letters := dlq.NewService(s, s, nil)
	events := &trackingEmitter{}
	sched := scheduler.New(s, s, queues, kinds, letters,
		scheduler.WithNotifier(hub),
		scheduler.WithEmitter(events),
	)

	base := []worker.Option{
		worker.WithNotifier(hub),
		worker.WithEmitter(events),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithHeartbeatInterval(20 * time.Millisecond),
		worker.WithSweepInterval(20 * time.Millisecond),
		worker.WithCleanupInterval(0),
	}
	mgr := worker.NewManager(s, kinds, queues, sched, letters, append(base, opts...)...)

	return &testEnv{
		store:   s,
		queues:  queues,
		kinds:   kinds,
		letters: letters,
		sched:   sched,
		hub:     hub,
		mgr:     mgr,
		events:  events,
	}
}

// start runs the manager and stops it at test cleanup.
func (env *testEnv) start(t *testing.T) {
	t.Helper()
	if err := env.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.mgr.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (env *testEnv) jobState(t *testing.T, jobID id.JobID) job.State {
	t.Helper()
	j, err := env.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j.State
}

// ──────────────────────────────────────────────────
// Execution paths
// ──────────────────────────────────────────────────

func TestManager_ProcessesJob(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	var got atomic.Value
	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j, err := env.sched.Enqueue(ctx, "image.thumbnail", []byte(`{"path":"/a.jpg"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "job completion", func() bool {
		return env.jobState(t, j.ID) == job.StateCompleted
	})

	if got.Load() != `{"path":"/a.jpg"}` {
		t.Errorf("handler payload = %v", got.Load())
	}
	done, err := env.store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", done.Attempts)
	}
	if done.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	h, err := env.mgr.Handle("default")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if h.Processed != 1 || h.Failed != 0 {
		t.Errorf("counters = %d processed / %d failed, want 1/0", h.Processed, h.Failed)
	}
	if env.events.count("started") != 1 || env.events.count("completed") != 1 {
		t.Errorf("events = %v", env.events.events)
	}
}

func TestManager_RetriesTransientFailure(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	var runs atomic.Int32
	env.kinds.RegisterRaw("photo.sync", func(ctx context.Context, payload []byte) error {
		if runs.Add(1) == 1 {
			return fault.Transient(errors.New("upstream flaked"))
		}
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j, err := env.sched.Enqueue(ctx, "photo.sync", nil,
		job.WithBackoff(backoff.Fixed(time.Millisecond)))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "retry completion", func() bool {
		return env.jobState(t, j.ID) == job.StateCompleted
	})

	done, _ := env.store.GetJob(ctx, j.ID)
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", done.Attempts)
	}
	h, _ := env.mgr.Handle("default")
	if h.Processed != 1 || h.Failed != 1 {
		t.Errorf("counters = %d processed / %d failed, want 1/1", h.Processed, h.Failed)
	}
	if env.events.count("retrying") != 1 {
		t.Errorf("retrying events = %d, want 1", env.events.count("retrying"))
	}
}

func TestManager_ExhaustedRetriesDeadLetter(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("photo.sync", func(ctx context.Context, payload []byte) error {
		return fault.Transient(errors.New("upstream down"))
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j, err := env.sched.Enqueue(ctx, "photo.sync", nil,
		job.WithMaxAttempts(2),
		job.WithBackoff(backoff.Fixed(time.Millisecond)))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		n, err := env.letters.Count(ctx, "default")
		return err == nil && n == 1
	})

	if st := env.jobState(t, j.ID); st != job.StateFailed {
		t.Errorf("State = %q, want failed", st)
	}
	recs, err := env.letters.List(ctx, dlq.ListOpts{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("List = %d records, err %v", len(recs), err)
	}
	if recs[0].Reason != dlq.ReasonMaxRetries {
		t.Errorf("Reason = %q, want %q", recs[0].Reason, dlq.ReasonMaxRetries)
	}
	h, _ := env.mgr.Handle("default")
	if h.Failed != 2 {
		t.Errorf("Failed = %d, want 2", h.Failed)
	}
}

func TestManager_NonRetryableDeadLettersImmediately(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("image.decode", func(ctx context.Context, payload []byte) error {
		return fault.Data(errors.New("corrupt jpeg header"))
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j, err := env.sched.Enqueue(ctx, "image.decode", []byte("junk"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		n, err := env.letters.Count(ctx, "default")
		return err == nil && n == 1
	})

	done, _ := env.store.GetJob(ctx, j.ID)
	if done.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (no retries burned)", done.Attempts)
	}
	recs, _ := env.letters.List(ctx, dlq.ListOpts{})
	if recs[0].Reason != dlq.ReasonNonRetryable {
		t.Errorf("Reason = %q, want %q", recs[0].Reason, dlq.ReasonNonRetryable)
	}
}

func TestManager_UnknownKindDeadLetters(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("video.transcode", func(ctx context.Context, payload []byte) error {
		return nil
	})

	// A manager deployed without the handler for this kind.
	bare := worker.NewManager(env.store, job.NewRegistry(), env.queues, env.sched, env.letters,
		worker.WithNotifier(env.hub),
		worker.WithPollInterval(10*time.Millisecond),
	)
	if err := bare.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bare.Stop(stopCtx)
	})
	if _, err := bare.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	j, err := env.sched.Enqueue(ctx, "video.transcode", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		n, err := env.letters.Count(ctx, "default")
		return err == nil && n == 1
	})

	if st := env.jobState(t, j.ID); st != job.StateFailed {
		t.Errorf("State = %q, want failed", st)
	}
	recs, _ := env.letters.List(ctx, dlq.ListOpts{})
	if recs[0].Category != fault.CategoryConfiguration {
		t.Errorf("Category = %q, want configuration", recs[0].Category)
	}
	if !recs[0].Requeuable {
		t.Error("unknown-kind record should be requeuable after a deploy")
	}
}

func TestManager_JobRunsAtMostOnce(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	runs := make(map[string]int)
	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		runs[string(payload)]++
		mu.Unlock()
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(4)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	const total = 20
	ids := make([]id.JobID, 0, total)
	for i := range total {
		j, err := env.sched.Enqueue(ctx, "image.thumbnail", fmt.Appendf(nil, "job-%d", i))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, j.ID)
	}

	waitFor(t, "all jobs completed", func() bool {
		h, err := env.mgr.Handle("default")
		return err == nil && h.Processed == total
	})
	for _, jobID := range ids {
		if st := env.jobState(t, jobID); st != job.StateCompleted {
			t.Errorf("job %s state = %q, want completed", jobID, st)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != total {
		t.Fatalf("distinct payloads run = %d, want %d", len(runs), total)
	}
	for payload, n := range runs {
		if n != 1 {
			t.Errorf("%s ran %d times, want exactly once", payload, n)
		}
	}
}

// ──────────────────────────────────────────────────
// Progress and results
// ──────────────────────────────────────────────────

func TestManager_UpdateProgressAndResult(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	env.kinds.RegisterRaw("video.transcode", func(ctx context.Context, payload []byte) error {
		if err := worker.UpdateProgress(ctx, 42); err != nil {
			t.Errorf("UpdateProgress: %v", err)
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return worker.SetResult(ctx, []byte(`{"frames":1200}`))
	})
	if _, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})

	j, err := env.sched.Enqueue(ctx, "video.transcode", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "mid-flight progress", func() bool {
		got, err := env.store.GetJob(ctx, j.ID)
		return err == nil && got.State == job.StateActive && got.Progress == 42
	})

	close(gate)
	waitFor(t, "completion", func() bool {
		return env.jobState(t, j.ID) == job.StateCompleted
	})

	done, _ := env.store.GetJob(ctx, j.ID)
	if string(done.Result) != `{"frames":1200}` {
		t.Errorf("Result = %s", done.Result)
	}
	if done.Progress != 100 {
		t.Errorf("Progress = %d, want 100", done.Progress)
	}
}

func TestUpdateProgress_OutsideHandler(t *testing.T) {
	if err := worker.UpdateProgress(context.Background(), 10); !errors.Is(err, worker.ErrNotInJob) {
		t.Errorf("UpdateProgress error = %v, want ErrNotInJob", err)
	}
	if err := worker.SetResult(context.Background(), nil); !errors.Is(err, worker.ErrNotInJob) {
		t.Errorf("SetResult error = %v, want ErrNotInJob", err)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle commands
// ──────────────────────────────────────────────────

func TestManager_RegisterValidation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	if _, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(0)); fault.Classify(err) != fault.CategoryConfiguration {
		t.Errorf("zero concurrency error = %v, want configuration fault", err)
	}
	if _, err := env.mgr.Register(ctx, "default", worker.WithRateLimit(-1, time.Second)); fault.Classify(err) != fault.CategoryConfiguration {
		t.Errorf("negative rate error = %v, want configuration fault", err)
	}
	if _, err := env.mgr.Register(ctx, "default", worker.WithRateLimit(5, 0)); fault.Classify(err) != fault.CategoryConfiguration {
		t.Errorf("missing window error = %v, want configuration fault", err)
	}
	if _, err := env.mgr.Register(ctx, "ghost"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Errorf("unknown queue error = %v, want ErrQueueNotFound", err)
	}

	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := env.mgr.Register(ctx, "default"); !errors.Is(err, photoq.ErrWorkerExists) {
		t.Errorf("duplicate register error = %v, want ErrWorkerExists", err)
	}
}

func TestManager_PauseResume(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j1, _ := env.sched.Enqueue(ctx, "image.thumbnail", nil)
	waitFor(t, "first job", func() bool {
		return env.jobState(t, j1.ID) == job.StateCompleted
	})

	if err := env.mgr.Pause(ctx, "default"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h, _ := env.mgr.Handle("default")
	if h.Status != worker.StatusPaused {
		t.Fatalf("Status = %q, want paused", h.Status)
	}

	j2, _ := env.sched.Enqueue(ctx, "image.thumbnail", nil)
	time.Sleep(60 * time.Millisecond)
	if st := env.jobState(t, j2.ID); st != job.StateWaiting {
		t.Fatalf("paused worker claimed job, state = %q", st)
	}

	if err := env.mgr.Resume(ctx, "default"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "second job", func() bool {
		return env.jobState(t, j2.ID) == job.StateCompleted
	})

	// Counters survive the pause cycle.
	h, _ = env.mgr.Handle("default")
	if h.Processed != 2 {
		t.Errorf("Processed = %d, want 2", h.Processed)
	}
	if h.Status != worker.StatusRunning {
		t.Errorf("Status = %q, want running", h.Status)
	}
}

func TestManager_ScaleUpAndDown(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	var active, maxActive atomic.Int32
	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	h, err := env.mgr.Scale(ctx, "default", 4, "manual")
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if h.Concurrency != 4 {
		t.Fatalf("Concurrency = %d, want 4", h.Concurrency)
	}
	if env.events.count("scaled:1:4:manual") != 1 {
		t.Errorf("scale event missing, events = %v", env.events.events)
	}

	for range 8 {
		if _, err := env.sched.Enqueue(ctx, "image.thumbnail", nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "burst processed", func() bool {
		h, err := env.mgr.Handle("default")
		return err == nil && h.Processed == 8
	})
	if maxActive.Load() < 2 {
		t.Errorf("max concurrent = %d, want at least 2 after scale up", maxActive.Load())
	}

	if _, err := env.mgr.Scale(ctx, "default", 1, "manual"); err != nil {
		t.Fatalf("Scale down: %v", err)
	}
	// Give the drained slots a moment to exit, then verify the ceiling.
	time.Sleep(50 * time.Millisecond)
	maxActive.Store(0)
	for range 4 {
		if _, err := env.sched.Enqueue(ctx, "image.thumbnail", nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "post-scale-down batch", func() bool {
		h, err := env.mgr.Handle("default")
		return err == nil && h.Processed == 12
	})
	if maxActive.Load() > 1 {
		t.Errorf("max concurrent = %d after scale down to 1", maxActive.Load())
	}
}

func TestManager_DrainFinishesInflight(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	gate := make(chan struct{})
	var entered atomic.Bool
	env.kinds.RegisterRaw("photo.export", func(ctx context.Context, payload []byte) error {
		entered.Store(true)
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})

	j, err := env.sched.Enqueue(ctx, "photo.export", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "handler start", entered.Load)

	if err := env.mgr.Drain(ctx, "default"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	h, _ := env.mgr.Handle("default")
	if h.Status != worker.StatusDraining {
		t.Fatalf("Status = %q, want draining", h.Status)
	}

	// Lifecycle transitions are rejected mid-drain.
	if _, err := env.mgr.Scale(ctx, "default", 2, "manual"); !errors.Is(err, photoq.ErrInvalidState) {
		t.Errorf("Scale during drain = %v, want ErrInvalidState", err)
	}

	close(gate)
	waitFor(t, "drain completion", func() bool {
		h, err := env.mgr.Handle("default")
		return err == nil && h.Status == worker.StatusStopped
	})
	if st := env.jobState(t, j.ID); st != job.StateCompleted {
		t.Errorf("in-flight job state = %q, want completed", st)
	}
	h, _ = env.mgr.Handle("default")
	if h.Processed != 1 {
		t.Errorf("Processed = %d, want 1", h.Processed)
	}
}

func TestManager_UnregisterRemovesHandle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	if err := env.mgr.Unregister(ctx, "default"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	waitFor(t, "handle removal", func() bool {
		_, err := env.mgr.Handle("default")
		return errors.Is(err, photoq.ErrWorkerNotFound)
	})

	// The queue can be registered again with a fresh handle.
	h, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(2))
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if h.Processed != 0 || h.Concurrency != 2 {
		t.Errorf("fresh handle = %+v", h)
	}
	j, _ := env.sched.Enqueue(ctx, "image.thumbnail", nil)
	waitFor(t, "job on re-registered worker", func() bool {
		return env.jobState(t, j.ID) == job.StateCompleted
	})
}

func TestManager_Handles(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	if _, err := env.queues.Create(ctx, "uploads", queue.DefaultConfig()); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	if _, err := env.mgr.Register(ctx, "uploads"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := env.mgr.Register(ctx, "default"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hs := env.mgr.Handles()
	if len(hs) != 2 {
		t.Fatalf("Handles = %d, want 2", len(hs))
	}
	if hs[0].Queue != "default" || hs[1].Queue != "uploads" {
		t.Errorf("order = %q, %q, want sorted by queue", hs[0].Queue, hs[1].Queue)
	}
	if _, err := env.mgr.Handle("ghost"); !errors.Is(err, photoq.ErrWorkerNotFound) {
		t.Errorf("Handle(ghost) = %v, want ErrWorkerNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Lease recovery
// ──────────────────────────────────────────────────

func TestManager_StalledJobReclaimed(t *testing.T) {
	env := newEnv(t, worker.WithHeartbeatInterval(0))
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.LeaseDuration = 40 * time.Millisecond
	cfg.Backoff = backoff.Fixed(time.Millisecond)
	if _, err := env.queues.Create(ctx, "scans", cfg); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	gate := make(chan struct{})
	var runs atomic.Int32
	env.kinds.RegisterRaw("scan.index", func(ctx context.Context, payload []byte) error {
		if runs.Add(1) == 1 {
			// First execution stalls without renewing its lease.
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return nil
		}
		return nil
	})
	if _, err := env.mgr.Register(ctx, "scans", worker.WithConcurrency(2)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)
	t.Cleanup(func() { close(gate) })

	j, err := env.sched.Enqueue(ctx, "scan.index", nil, job.WithQueue("scans"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "reclaim and completion", func() bool {
		return env.jobState(t, j.ID) == job.StateCompleted
	})

	done, _ := env.store.GetJob(ctx, j.ID)
	if done.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (stall burned one)", done.Attempts)
	}
	if env.events.count("retrying") == 0 {
		t.Error("sweep did not emit a retrying event for the reclaimed job")
	}
}

func TestManager_StalledExhaustedDeadLetters(t *testing.T) {
	env := newEnv(t, worker.WithHeartbeatInterval(0))
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.LeaseDuration = 40 * time.Millisecond
	cfg.MaxAttempts = 1
	if _, err := env.queues.Create(ctx, "scans", cfg); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	gate := make(chan struct{})
	env.kinds.RegisterRaw("scan.index", func(ctx context.Context, payload []byte) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})
	if _, err := env.mgr.Register(ctx, "scans", worker.WithConcurrency(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)
	t.Cleanup(func() { close(gate) })

	j, err := env.sched.Enqueue(ctx, "scan.index", nil, job.WithQueue("scans"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "stalled dead letter", func() bool {
		n, err := env.letters.Count(ctx, "scans")
		return err == nil && n == 1
	})

	if st := env.jobState(t, j.ID); st != job.StateFailed {
		t.Errorf("State = %q, want failed", st)
	}
	recs, _ := env.letters.List(ctx, dlq.ListOpts{Queue: "scans"})
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Reason != dlq.ReasonStalled {
		t.Errorf("Reason = %q, want %q", recs[0].Reason, dlq.ReasonStalled)
	}
}

// ──────────────────────────────────────────────────
// Claim gating
// ──────────────────────────────────────────────────

func TestManager_BreakerOpensAndSuppressesClaims(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = 10
	cfg.Backoff = backoff.Fixed(time.Millisecond)
	cfg.Breaker = breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Second,
		HalfOpenMax:      1,
	}
	if _, err := env.queues.Create(ctx, "flaky", cfg); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	var runs atomic.Int32
	env.kinds.RegisterRaw("webhook.deliver", func(ctx context.Context, payload []byte) error {
		runs.Add(1)
		return fault.Transient(errors.New("endpoint 503"))
	})
	if _, err := env.mgr.Register(ctx, "flaky"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	j, err := env.sched.Enqueue(ctx, "webhook.deliver", nil, job.WithQueue("flaky"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, "breaker to trip", func() bool {
		return env.queues.Breaker("flaky").State() == breaker.StateOpen
	})
	tripped := runs.Load()

	// Claims stay suppressed while the breaker cools down; the job is
	// parked, not dead-lettered.
	time.Sleep(80 * time.Millisecond)
	if got := runs.Load(); got != tripped {
		t.Errorf("runs grew from %d to %d with the breaker open", tripped, got)
	}
	if st := env.jobState(t, j.ID); st != job.StateWaiting && st != job.StateDelayed {
		t.Errorf("State = %q, want parked waiting or delayed", st)
	}
}

func TestManager_RateLimitCapsClaims(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		return nil
	})
	if _, err := env.mgr.Register(ctx, "default",
		worker.WithConcurrency(4),
		worker.WithRateLimit(2, 10*time.Second)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for range 5 {
		if _, err := env.sched.Enqueue(ctx, "image.thumbnail", nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	env.start(t)

	waitFor(t, "burst tokens spent", func() bool {
		h, err := env.mgr.Handle("default")
		return err == nil && h.Processed == 2
	})
	time.Sleep(80 * time.Millisecond)
	h, _ := env.mgr.Handle("default")
	if h.Processed != 2 {
		t.Errorf("Processed = %d, want burst of 2 until the window refills", h.Processed)
	}
	waiting, err := env.store.ListJobs(ctx, job.StateWaiting, job.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(waiting) != 3 {
		t.Errorf("waiting = %d, want 3", len(waiting))
	}
}

// ──────────────────────────────────────────────────
// Cleanup
// ──────────────────────────────────────────────────

func TestManager_CleanupPrunesTerminalJobs(t *testing.T) {
	env := newEnv(t, worker.WithCleanupInterval(15*time.Millisecond))
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.Cleanup = queue.CleanupPolicy{MaxCount: 2}
	if _, err := env.queues.Create(ctx, "thumbs", cfg); err != nil {
		t.Fatalf("create queue: %v", err)
	}

	env.kinds.RegisterRaw("image.thumbnail", func(ctx context.Context, payload []byte) error {
		return nil
	})
	if _, err := env.mgr.Register(ctx, "thumbs"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	env.start(t)

	for range 5 {
		if _, err := env.sched.Enqueue(ctx, "image.thumbnail", nil, job.WithQueue("thumbs")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "batch processed", func() bool {
		h, err := env.mgr.Handle("thumbs")
		return err == nil && h.Processed == 5
	})

	waitFor(t, "retention pruning", func() bool {
		done, err := env.store.ListJobs(ctx, job.StateCompleted, job.ListOpts{Queue: "thumbs"})
		return err == nil && len(done) == 2
	})
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

func TestManager_StopCancelsInflightOnDeadline(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	var sawCancel atomic.Bool
	env.kinds.RegisterRaw("photo.export", func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	if _, err := env.mgr.Register(ctx, "default", worker.WithConcurrency(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := env.mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := env.sched.Enqueue(ctx, "photo.export", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "claim", func() bool {
		return env.jobState(t, j.ID) == job.StateActive
	})

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := env.mgr.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !sawCancel.Load() {
		t.Error("in-flight handler did not observe cancellation")
	}
	// The cancelled run was routed as a failure, so the job is parked
	// for another node rather than lost.
	if st := env.jobState(t, j.ID); st == job.StateActive {
		t.Errorf("State = %q, job still active after shutdown", st)
	}
}
