package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Queue Store tests
// ──────────────────────────────────────────────────

func TestQueueCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	q := queue.New("thumbs", queue.DefaultConfig())
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if err := s.CreateQueue(ctx, queue.New("thumbs", queue.DefaultConfig())); !errors.Is(err, photoq.ErrQueueAlreadyExists) {
		t.Fatalf("expected ErrQueueAlreadyExists, got %v", err)
	}

	got, err := s.GetQueue(ctx, "thumbs")
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if got.Name != "thumbs" || got.Config.MaxAttempts != 3 {
		t.Fatalf("got %q with max attempts %d", got.Name, got.Config.MaxAttempts)
	}

	if _, err := s.GetQueue(ctx, "missing"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}

	got.Paused = true
	if err := s.UpdateQueue(ctx, got); err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	got, _ = s.GetQueue(ctx, "thumbs")
	if !got.Paused {
		t.Fatal("pause flag not persisted")
	}

	if err := s.CreateQueue(ctx, queue.New("alpha", queue.DefaultConfig())); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "thumbs" {
		t.Fatalf("list not sorted by name: %v", []string{list[0].Name, list[1].Name})
	}

	if err := s.DeleteQueue(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	if err := s.DeleteQueue(ctx, "alpha"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(kind, queueName string, priority int) *job.Job {
	return &job.Job{
		Entity:      photoq.NewEntity(),
		ID:          id.NewJobID(),
		Kind:        kind,
		Queue:       queueName,
		Payload:     []byte(`{"test":true}`),
		State:       job.StateWaiting,
		Priority:    priority,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC().Add(-time.Second), // eligible immediately
	}
}

func mustCreate(t *testing.T, s *Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.CreateJob(context.Background(), j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("image.thumbnail", "default", 0)
	mustCreate(t, s, j)

	if err := s.CreateJob(ctx, j); !errors.Is(err, photoq.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Kind != "image.thumbnail" {
		t.Fatalf("kind = %q", got.Kind)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, photoq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobIdempotencyKey(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("library.import", "imports", 0)
	j.IdempotencyKey = "import-2026-08"
	mustCreate(t, s, j)

	dup := newJob("library.import", "imports", 0)
	dup.IdempotencyKey = "import-2026-08"
	if err := s.CreateJob(ctx, dup); !errors.Is(err, photoq.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists for duplicate key, got %v", err)
	}

	got, err := s.GetJobByKey(ctx, "imports", "import-2026-08")
	if err != nil {
		t.Fatalf("GetJobByKey: %v", err)
	}
	if got.ID != j.ID {
		t.Fatalf("GetJobByKey returned %v, want %v", got.ID, j.ID)
	}

	// Keys are scoped per queue.
	other := newJob("library.import", "exports", 0)
	other.IdempotencyKey = "import-2026-08"
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("same key in another queue should succeed: %v", err)
	}

	// Deleting the job frees the key.
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetJobByKey(ctx, "imports", "import-2026-08"); !errors.Is(err, photoq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}
}

func TestClaimJob_PriorityOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	a := newJob("a", "default", 5)
	b := newJob("b", "default", 10)
	mustCreate(t, s, a, b)

	first, err := s.ClaimJob(ctx, "default", w, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if first.ID != b.ID {
		t.Fatalf("claimed %q first, want the priority-10 job", first.Kind)
	}

	second, err := s.ClaimJob(ctx, "default", w, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if second.ID != a.ID {
		t.Fatalf("claimed %q second, want the priority-5 job", second.Kind)
	}

	if _, err := s.ClaimJob(ctx, "default", w, 30*time.Second); !errors.Is(err, photoq.ErrNoJobReady) {
		t.Fatalf("expected ErrNoJobReady, got %v", err)
	}
}

func TestClaimJob_RunAtTieBreak(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	older := newJob("older", "default", 1)
	older.RunAt = time.Now().UTC().Add(-time.Minute)
	newer := newJob("newer", "default", 1)
	newer.RunAt = time.Now().UTC().Add(-time.Second)
	mustCreate(t, s, newer, older)

	got, err := s.ClaimJob(ctx, "default", w, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got.ID != older.ID {
		t.Fatal("equal priority should serve the older eligible time first")
	}
}

func TestClaimJob_DelayedNotEligible(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	future := newJob("later", "default", 10)
	future.State = job.StateDelayed
	future.RunAt = time.Now().UTC().Add(time.Hour)
	mustCreate(t, s, future)

	if _, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), 30*time.Second); !errors.Is(err, photoq.ErrNoJobReady) {
		t.Fatalf("expected ErrNoJobReady for future job, got %v", err)
	}

	// A delayed job whose time has come is claimable.
	due := newJob("due", "default", 1)
	due.State = job.StateDelayed
	due.RunAt = time.Now().UTC().Add(-time.Second)
	mustCreate(t, s, due)

	got, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got.ID != due.ID {
		t.Fatalf("claimed %q, want the due delayed job", got.Kind)
	}
}

func TestClaimJob_StampsLeaseAndAttempts(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	j := newJob("metadata.extract", "default", 0)
	mustCreate(t, s, j)

	before := time.Now().UTC()
	got, err := s.ClaimJob(ctx, "default", w, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if got.State != job.StateActive {
		t.Errorf("state = %q, want active", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.WorkerID != w {
		t.Errorf("worker = %v, want %v", got.WorkerID, w)
	}
	if got.LeaseExpiresAt == nil || got.LeaseExpiresAt.Before(before.Add(29*time.Second)) {
		t.Errorf("lease deadline = %v, want about 30s out", got.LeaseExpiresAt)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped")
	}
}

func TestClaimJob_NoDoubleClaim(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const jobs = 5
	for range jobs {
		mustCreate(t, s, newJob("burst", "default", 0))
	}

	const claimers = 20
	var wg sync.WaitGroup
	claimed := make(chan id.JobID, claimers)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), 30*time.Second)
			if err == nil {
				claimed <- j.ID
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[id.JobID]bool)
	for jid := range claimed {
		if seen[jid] {
			t.Fatalf("job %v claimed twice", jid)
		}
		seen[jid] = true
	}
	if len(seen) != jobs {
		t.Fatalf("%d jobs claimed, want %d", len(seen), jobs)
	}
}

func TestRenewLease(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("long.task", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.RenewLease(ctx, j.ID, w, time.Minute); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.LeaseExpiresAt.Before(time.Now().UTC().Add(50 * time.Second)) {
		t.Errorf("lease not extended: %v", got.LeaseExpiresAt)
	}

	// A different worker cannot renew.
	if err := s.RenewLease(ctx, j.ID, id.NewWorkerID(), time.Minute); !errors.Is(err, photoq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for other worker, got %v", err)
	}

	// After completion the lease is gone.
	if _, err := s.CompleteJob(ctx, j.ID, w, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.RenewLease(ctx, j.ID, w, time.Minute); !errors.Is(err, photoq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after completion, got %v", err)
	}

	if err := s.RenewLease(ctx, id.NewJobID(), w, time.Minute); !errors.Is(err, photoq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSetJobProgress(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("video.transcode", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetJobProgress(ctx, j.ID, w, 40, time.Minute); err != nil {
		t.Fatalf("SetJobProgress: %v", err)
	}
	got, _ := s.GetJob(ctx, j.ID)
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}
	if got.LeaseExpiresAt.Before(time.Now().UTC().Add(50 * time.Second)) {
		t.Error("progress update should renew the lease")
	}

	if err := s.SetJobProgress(ctx, j.ID, w, 150, time.Minute); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.Progress != 100 {
		t.Errorf("progress = %d, want clamped to 100", got.Progress)
	}

	if err := s.SetJobProgress(ctx, j.ID, id.NewWorkerID(), 50, time.Minute); !errors.Is(err, photoq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestCompleteJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("image.thumbnail", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	done, err := s.CompleteJob(ctx, j.ID, w, []byte(`{"path":"/thumbs/a.jpg"}`))
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.State != job.StateCompleted {
		t.Errorf("state = %q, want completed", done.State)
	}
	if string(done.Result) != `{"path":"/thumbs/a.jpg"}` {
		t.Errorf("result = %q", done.Result)
	}
	if done.LeaseExpiresAt != nil || !done.WorkerID.IsNil() {
		t.Error("lease not released on completion")
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	// A second completion finds no lease.
	if _, err := s.CompleteJob(ctx, j.ID, w, nil); !errors.Is(err, photoq.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestFailJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("metadata.extract", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	failed, err := s.FailJob(ctx, j.ID, w, "corrupt exif block")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if failed.State != job.StateFailed {
		t.Errorf("state = %q, want failed", failed.State)
	}
	if failed.LastError != "corrupt exif block" {
		t.Errorf("last error = %q", failed.LastError)
	}
	if failed.LeaseExpiresAt != nil {
		t.Error("lease not released on failure")
	}
}

func TestRescheduleJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("upload.sync", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	runAt := time.Now().UTC().Add(-time.Millisecond)
	delayed, err := s.RescheduleJob(ctx, j.ID, w, runAt, "connection reset")
	if err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	if delayed.State != job.StateDelayed {
		t.Errorf("state = %q, want delayed", delayed.State)
	}
	if delayed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (consumed at claim)", delayed.Attempts)
	}
	if delayed.LastError != "connection reset" {
		t.Errorf("last error = %q", delayed.LastError)
	}
	if delayed.LeaseExpiresAt != nil || !delayed.WorkerID.IsNil() {
		t.Error("lease not released on reschedule")
	}

	// The retry consumes the next attempt at claim time.
	again, err := s.ClaimJob(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob after reschedule: %v", err)
	}
	if again.Attempts != 2 {
		t.Errorf("attempts = %d after second claim, want 2", again.Attempts)
	}
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("cancellable", "default", 0)
	mustCreate(t, s, j)

	cancelled, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.State != job.StateCancelled {
		t.Errorf("state = %q, want cancelled", cancelled.State)
	}

	// Terminal jobs cannot be cancelled again.
	if _, err := s.CancelJob(ctx, j.ID); !errors.Is(err, photoq.ErrJobNotCancellable) {
		t.Fatalf("expected ErrJobNotCancellable, got %v", err)
	}

	// Active jobs cannot be cancelled.
	active := newJob("running", "default", 0)
	mustCreate(t, s, active)
	if _, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CancelJob(ctx, active.ID); !errors.Is(err, photoq.ErrJobNotCancellable) {
		t.Fatalf("expected ErrJobNotCancellable for active job, got %v", err)
	}

	if _, err := s.CancelJob(ctx, id.NewJobID()); !errors.Is(err, photoq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRequeueJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("retry.me", "default", 0))
	j, err := s.ClaimJob(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.FailJob(ctx, j.ID, w, "boom"); err != nil {
		t.Fatal(err)
	}

	requeued, err := s.RequeueJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	if requeued.State != job.StateWaiting {
		t.Errorf("state = %q, want waiting", requeued.State)
	}
	if requeued.Attempts != 1 {
		t.Errorf("attempts = %d, want history preserved", requeued.Attempts)
	}
	if requeued.CompletedAt != nil {
		t.Error("CompletedAt should be cleared on requeue")
	}

	// Requeueing a waiting job is a no-op.
	again, err := s.RequeueJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("RequeueJob twice: %v", err)
	}
	if again.State != job.StateWaiting {
		t.Errorf("state = %q", again.State)
	}

	// Completed jobs are not requeueable.
	mustCreate(t, s, newJob("done", "other", 0))
	done, err := s.ClaimJob(ctx, "other", w, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompleteJob(ctx, done.ID, w, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequeueJob(ctx, done.ID); !errors.Is(err, photoq.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestReapExpiredLeases(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	// Stalled with attempts remaining.
	fresh := newJob("stalled.fresh", "default", 0)
	// Stalled with the budget already spent.
	spent := newJob("stalled.spent", "default", 0)
	spent.Attempts = 2 // claim makes it 3 of 3
	// Healthy lease.
	healthy := newJob("healthy", "other", 0)
	mustCreate(t, s, fresh, spent, healthy)

	for range 2 {
		if _, err := s.ClaimJob(ctx, "default", w, 10*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.ClaimJob(ctx, "other", w, time.Hour); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	reclaimed, exhausted, err := s.ReapExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReapExpiredLeases: %v", err)
	}

	if len(reclaimed) != 1 || reclaimed[0].ID != fresh.ID {
		t.Fatalf("reclaimed = %d jobs, want just the fresh one", len(reclaimed))
	}
	if reclaimed[0].State != job.StateWaiting {
		t.Errorf("reclaimed state = %q, want waiting", reclaimed[0].State)
	}
	if reclaimed[0].LastError == "" {
		t.Error("reclaimed job should record the expiry as its last error")
	}

	if len(exhausted) != 1 || exhausted[0].ID != spent.ID {
		t.Fatalf("exhausted = %d jobs, want just the spent one", len(exhausted))
	}
	if exhausted[0].State != job.StateFailed {
		t.Errorf("exhausted state = %q, want failed", exhausted[0].State)
	}

	got, _ := s.GetJob(ctx, healthy.ID)
	if got.State != job.StateActive {
		t.Errorf("healthy lease disturbed: state = %q", got.State)
	}
}

func TestReapThenReclaimCountsOneAttempt(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("crashy", "default", 0)
	mustCreate(t, s, j)

	// First claim consumes attempt 1, then the worker dies.
	if _, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	reclaimed, _, err := s.ReapExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Attempts != 1 {
		t.Fatalf("after reap attempts = %d, want 1 (no double counting)", reclaimed[0].Attempts)
	}

	// The next worker's claim consumes attempt 2.
	again, err := s.ClaimJob(ctx, "default", id.NewWorkerID(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again.Attempts != 2 {
		t.Fatalf("attempts = %d after reclaim, want 2", again.Attempts)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := range 5 {
		j := newJob("batch", "default", i)
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		mustCreate(t, s, j)
	}
	mustCreate(t, s, newJob("elsewhere", "other", 0))

	all, err := s.ListJobs(ctx, job.StateWaiting, job.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d jobs, want 5", len(all))
	}

	page, err := s.ListJobs(ctx, job.StateWaiting, job.ListOpts{Queue: "default", Offset: 3, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("offset page = %d jobs, want 2", len(page))
	}

	empty, err := s.ListJobs(ctx, job.StateActive, job.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("got %d active jobs, want 0", len(empty))
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	mustCreate(t, s, newJob("a", "default", 0), newJob("b", "default", 0))
	future := newJob("c", "default", 0)
	future.State = job.StateDelayed
	future.RunAt = time.Now().UTC().Add(time.Hour)
	mustCreate(t, s, future)

	if _, err := s.ClaimJob(ctx, "default", w, time.Minute); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountJobsByState(ctx, "default")
	if err != nil {
		t.Fatalf("CountJobsByState: %v", err)
	}
	if counts[job.StateWaiting] != 1 || counts[job.StateActive] != 1 || counts[job.StateDelayed] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	ready, err := s.CountReady(ctx, "default", time.Now().UTC())
	if err != nil {
		t.Fatalf("CountReady: %v", err)
	}
	if ready != 1 {
		t.Fatalf("ready = %d, want 1 (future delayed job excluded)", ready)
	}
}

func TestPruneJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	w := id.NewWorkerID()

	for range 4 {
		mustCreate(t, s, newJob("old", "default", 0))
	}
	keepWaiting := newJob("still.waiting", "default", -1)
	mustCreate(t, s, keepWaiting)

	for range 4 {
		j, err := s.ClaimJob(ctx, "default", w, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.CompleteJob(ctx, j.ID, w, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Age-based: everything terminal finished before the cutoff goes.
	removed, err := s.PruneJobs(ctx, "default", time.Now().UTC().Add(time.Second), 0)
	if err != nil {
		t.Fatalf("PruneJobs: %v", err)
	}
	if removed != 4 {
		t.Fatalf("removed = %d, want 4", removed)
	}
	if _, err := s.GetJob(ctx, keepWaiting.ID); err != nil {
		t.Fatal("waiting job must survive pruning")
	}

	// Count-based: keep only the newest two terminal jobs.
	for range 5 {
		mustCreate(t, s, newJob("recent", "default", 0))
		claimed, err := s.ClaimJob(ctx, "default", w, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.CompleteJob(ctx, claimed.ID, w, nil); err != nil {
			t.Fatal(err)
		}
	}
	removed, err = s.PruneJobs(ctx, "default", time.Time{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3 of 5", removed)
	}
	counts, _ := s.CountJobsByState(ctx, "default")
	if counts[job.StateCompleted] != 2 {
		t.Fatalf("completed remaining = %d, want 2", counts[job.StateCompleted])
	}
}

// ──────────────────────────────────────────────────
// Recurring Store tests
// ──────────────────────────────────────────────────

func newSpec(name string) *scheduler.RecurringSpec {
	return &scheduler.RecurringSpec{
		Entity:   photoq.NewEntity(),
		ID:       id.NewRecurringID(),
		Name:     name,
		Queue:    "default",
		Kind:     "library.scan",
		Schedule: "*/5 * * * *",
		Enabled:  true,
	}
}

func TestRecurringCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	spec := newSpec("nightly-scan")
	if err := s.CreateRecurring(ctx, spec); err != nil {
		t.Fatalf("CreateRecurring: %v", err)
	}
	if err := s.CreateRecurring(ctx, newSpec("nightly-scan")); !errors.Is(err, photoq.ErrDuplicateRecurring) {
		t.Fatalf("expected ErrDuplicateRecurring, got %v", err)
	}

	got, err := s.GetRecurring(ctx, spec.ID)
	if err != nil {
		t.Fatalf("GetRecurring: %v", err)
	}
	if got.Name != "nightly-scan" {
		t.Fatalf("name = %q", got.Name)
	}

	byName, err := s.GetRecurringByName(ctx, "nightly-scan")
	if err != nil {
		t.Fatalf("GetRecurringByName: %v", err)
	}
	if byName.ID != spec.ID {
		t.Fatal("lookup by name returned a different spec")
	}

	got.Runs = 7
	if err := s.UpdateRecurring(ctx, got); err != nil {
		t.Fatalf("UpdateRecurring: %v", err)
	}
	got, _ = s.GetRecurring(ctx, spec.ID)
	if got.Runs != 7 {
		t.Fatalf("runs = %d, want 7", got.Runs)
	}

	list, err := s.ListRecurring(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListRecurring: %v (%d specs)", err, len(list))
	}

	if err := s.DeleteRecurring(ctx, spec.ID); err != nil {
		t.Fatalf("DeleteRecurring: %v", err)
	}
	if _, err := s.GetRecurring(ctx, spec.ID); !errors.Is(err, photoq.ErrRecurringNotFound) {
		t.Fatalf("expected ErrRecurringNotFound, got %v", err)
	}
}

func TestRecurringLock(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	spec := newSpec("hourly-sync")
	if err := s.CreateRecurring(ctx, spec); err != nil {
		t.Fatal(err)
	}

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	ok, err := s.AcquireRecurringLock(ctx, spec.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// A contender is locked out.
	ok, err = s.AcquireRecurringLock(ctx, spec.ID, w2, time.Minute)
	if err != nil || ok {
		t.Fatalf("contender acquire: ok=%v err=%v, want denied", ok, err)
	}

	// The holder can re-acquire (renew).
	ok, err = s.AcquireRecurringLock(ctx, spec.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("holder re-acquire: ok=%v err=%v", ok, err)
	}

	// Release frees the lock for the contender.
	if err := s.ReleaseRecurringLock(ctx, spec.ID, w1); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = s.AcquireRecurringLock(ctx, spec.ID, w2, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}

	// An expired lock no longer blocks.
	time.Sleep(20 * time.Millisecond)
	ok, err = s.AcquireRecurringLock(ctx, spec.ID, w1, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry: ok=%v err=%v", ok, err)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store tests
// ──────────────────────────────────────────────────

func newRecord(queueName string, failedAt time.Time) *dlq.Record {
	return &dlq.Record{
		ID:          id.NewFailureID(),
		JobID:       id.NewJobID(),
		Kind:        "image.thumbnail",
		Queue:       queueName,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		Attempts:    3,
		Error:       "smtp timeout",
		Category:    fault.CategoryTransient,
		Reason:      dlq.ReasonMaxRetries,
		Requeuable:  true,
		FailedAt:    failedAt,
		CreatedAt:   failedAt,
	}
}

func TestFailureStore(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	oldRec := newRecord("default", now.Add(-2*time.Hour))
	newRec := newRecord("default", now.Add(-time.Minute))
	otherQueue := newRecord("exports", now)
	for _, rec := range []*dlq.Record{oldRec, newRec, otherQueue} {
		if err := s.PushFailure(ctx, rec); err != nil {
			t.Fatalf("PushFailure: %v", err)
		}
	}

	got, err := s.GetFailure(ctx, oldRec.ID)
	if err != nil {
		t.Fatalf("GetFailure: %v", err)
	}
	if got.Error != "smtp timeout" {
		t.Fatalf("error = %q", got.Error)
	}
	if _, err := s.GetFailure(ctx, id.NewFailureID()); !errors.Is(err, photoq.ErrFailedJobNotFound) {
		t.Fatalf("expected ErrFailedJobNotFound, got %v", err)
	}

	// Newest first, queue filter.
	list, err := s.ListFailures(ctx, dlq.ListOpts{Queue: "default"})
	if err != nil {
		t.Fatalf("ListFailures: %v", err)
	}
	if len(list) != 2 || list[0].ID != newRec.ID {
		t.Fatalf("got %d records, newest first = %v", len(list), len(list) > 0 && list[0].ID == newRec.ID)
	}

	// Time range bounds.
	ranged, err := s.ListFailures(ctx, dlq.ListOpts{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 2 {
		t.Fatalf("range since -1h = %d records, want 2", len(ranged))
	}

	// Requeue stamp.
	if err := s.MarkRequeued(ctx, newRec.ID, now); err != nil {
		t.Fatalf("MarkRequeued: %v", err)
	}
	got, _ = s.GetFailure(ctx, newRec.ID)
	if got.RequeuedAt == nil {
		t.Fatal("RequeuedAt not stamped")
	}

	// Purge by age within one queue.
	removed, err := s.PurgeFailures(ctx, "default", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeFailures: %v", err)
	}
	if removed != 1 {
		t.Fatalf("purged %d, want 1", removed)
	}

	count, err := s.CountFailures(ctx, "")
	if err != nil {
		t.Fatalf("CountFailures: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	count, _ = s.CountFailures(ctx, "exports")
	if count != 1 {
		t.Fatalf("exports count = %d, want 1", count)
	}
}
