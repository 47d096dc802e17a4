package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/store/memory"
)

// ──────────────────────────────────────────────────
// Config tests
// ──────────────────────────────────────────────────

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := queue.Config{}.Normalize()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.LeaseDuration != 30*time.Second {
		t.Errorf("LeaseDuration = %v, want 30s", cfg.LeaseDuration)
	}
	if cfg.Backoff.IsZero() {
		t.Error("Backoff not filled from defaults")
	}

	custom := queue.Config{MaxAttempts: 7, LeaseDuration: time.Minute}.Normalize()
	if custom.MaxAttempts != 7 || custom.LeaseDuration != time.Minute {
		t.Errorf("explicit values overwritten: %+v", custom)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     queue.Config
		wantErr bool
	}{
		{"default", queue.DefaultConfig(), false},
		{"zero", queue.Config{}, false},
		{"negative attempts", queue.Config{MaxAttempts: -1}, true},
		{"negative lease", queue.Config{LeaseDuration: -time.Second}, true},
		{"negative concurrency", queue.Config{MaxConcurrency: -2}, true},
		{"rate limit without window", queue.Config{RateLimit: queue.RateLimit{Max: 5}}, true},
		{"rate limit with window", queue.Config{RateLimit: queue.RateLimit{Max: 5, Window: time.Second}}, false},
		{"scale min above max", queue.Config{Scale: queue.ScalePolicy{Min: 4, Max: 2}}, true},
		{"scale bounds ok", queue.Config{Scale: queue.ScalePolicy{Min: 1, Max: 8}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected a validation error")
				}
				if got := fault.Classify(err); got != fault.CategoryConfiguration {
					t.Fatalf("category = %q, want configuration", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Registry tests
// ──────────────────────────────────────────────────

func TestRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	q, err := reg.Create(ctx, "thumbs", queue.DefaultConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.Name != "thumbs" || q.ID.IsNil() {
		t.Fatalf("created queue = %+v", q)
	}

	if _, err := reg.Create(ctx, "thumbs", queue.DefaultConfig()); !errors.Is(err, photoq.ErrQueueAlreadyExists) {
		t.Fatalf("expected ErrQueueAlreadyExists, got %v", err)
	}
	if _, err := reg.Create(ctx, "", queue.DefaultConfig()); fault.Classify(err) != fault.CategoryConfiguration {
		t.Fatalf("empty name should be a configuration fault, got %v", err)
	}
	if _, err := reg.Create(ctx, "bad", queue.Config{MaxAttempts: -1}); err == nil {
		t.Fatal("invalid config accepted")
	}

	got, err := reg.Get(ctx, "thumbs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != q.ID {
		t.Fatal("Get returned a different queue")
	}

	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestRegistry_Ensure(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	first, err := reg.Ensure(ctx, "uploads", queue.DefaultConfig())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := reg.Ensure(ctx, "uploads", queue.Config{MaxAttempts: 9})
	if err != nil {
		t.Fatalf("Ensure existing: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("Ensure created a second queue for the same name")
	}
	if second.Config.MaxAttempts != 3 {
		t.Errorf("Ensure must not reconfigure an existing queue, got MaxAttempts %d", second.Config.MaxAttempts)
	}
}

func TestRegistry_Load(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	if err := s.CreateQueue(ctx, queue.New("preexisting", queue.DefaultConfig())); err != nil {
		t.Fatal(err)
	}

	reg := queue.NewRegistry(s)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Loaded queues are claimable without a prior Get.
	if err := reg.Acquire("preexisting"); err != nil {
		t.Fatalf("Acquire after Load: %v", err)
	}
	reg.Breaker("preexisting").Cancel()
	reg.Release("preexisting")
}

func TestRegistry_UpdateConfig(t *testing.T) {
	t.Parallel()
	s := memory.New()
	reg := queue.NewRegistry(s)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "exports", queue.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	cfg := queue.DefaultConfig()
	cfg.MaxAttempts = 5
	updated, err := reg.UpdateConfig(ctx, "exports", cfg)
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if updated.Config.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", updated.Config.MaxAttempts)
	}

	persisted, err := s.GetQueue(ctx, "exports")
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Config.MaxAttempts != 5 {
		t.Error("update not persisted")
	}

	if _, err := reg.UpdateConfig(ctx, "exports", queue.Config{MaxAttempts: -1}); err == nil {
		t.Fatal("invalid config accepted")
	}
	if _, err := reg.UpdateConfig(ctx, "missing", queue.DefaultConfig()); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestRegistry_PauseResume(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	if _, err := reg.Create(ctx, "imports", queue.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	if err := reg.Pause(ctx, "imports"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !reg.IsPaused("imports") {
		t.Fatal("IsPaused = false after Pause")
	}
	if err := reg.Acquire("imports"); !errors.Is(err, photoq.ErrQueuePaused) {
		t.Fatalf("expected ErrQueuePaused, got %v", err)
	}

	// Pausing again is a no-op.
	if err := reg.Pause(ctx, "imports"); err != nil {
		t.Fatalf("second Pause: %v", err)
	}

	if err := reg.Resume(ctx, "imports"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := reg.Acquire("imports"); err != nil {
		t.Fatalf("Acquire after Resume: %v", err)
	}
	reg.Breaker("imports").Cancel()
	reg.Release("imports")
}

func TestRegistry_AcquireConcurrencyCap(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.MaxConcurrency = 2
	if _, err := reg.Create(ctx, "heavy", cfg); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		if err := reg.Acquire("heavy"); err != nil {
			t.Fatalf("Acquire under cap: %v", err)
		}
	}
	if got := reg.ActiveCount("heavy"); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}
	if err := reg.Acquire("heavy"); !errors.Is(err, photoq.ErrThrottled) {
		t.Fatalf("expected ErrThrottled at cap, got %v", err)
	}

	reg.Release("heavy")
	if err := reg.Acquire("heavy"); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestRegistry_AcquireRateLimit(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.RateLimit = queue.RateLimit{Max: 2, Window: time.Minute}
	if _, err := reg.Create(ctx, "limited", cfg); err != nil {
		t.Fatal(err)
	}

	for i := range 2 {
		if err := reg.Acquire("limited"); err != nil {
			t.Fatalf("Acquire %d within burst: %v", i, err)
		}
	}
	if err := reg.Acquire("limited"); !errors.Is(err, photoq.ErrThrottled) {
		t.Fatalf("expected ErrThrottled past burst, got %v", err)
	}

	// The denied attempt must not leak an active slot.
	if got := reg.ActiveCount("limited"); got != 2 {
		t.Fatalf("ActiveCount = %d after denial, want 2", got)
	}
}

func TestRegistry_AcquireBreakerOpen(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	cfg := queue.DefaultConfig()
	cfg.Breaker = breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, HalfOpenMax: 1}
	if _, err := reg.Create(ctx, "flaky", cfg); err != nil {
		t.Fatal(err)
	}

	reg.Breaker("flaky").RecordFailure()
	if got := reg.Breaker("flaky").State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %q, want open", got)
	}

	if err := reg.Acquire("flaky"); !errors.Is(err, photoq.ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if got := reg.ActiveCount("flaky"); got != 0 {
		t.Fatalf("ActiveCount = %d after breaker denial, want 0", got)
	}
}

func TestRegistry_BreakerTransitionObserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	type change struct {
		queue    string
		from, to breaker.State
	}
	seen := make(chan change, 1)
	reg := queue.NewRegistry(memory.New(), queue.WithBreakerTransitionFunc(
		func(q string, from, to breaker.State, at time.Time) {
			seen <- change{q, from, to}
		}))

	cfg := queue.DefaultConfig()
	cfg.Breaker = breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, HalfOpenMax: 1}
	if _, err := reg.Create(ctx, "watched", cfg); err != nil {
		t.Fatal(err)
	}

	reg.Breaker("watched").RecordFailure()

	select {
	case got := <-seen:
		if got.queue != "watched" || got.from != breaker.StateClosed || got.to != breaker.StateOpen {
			t.Fatalf("transition = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}
}

func TestRegistry_Delete(t *testing.T) {
	t.Parallel()
	reg := queue.NewRegistry(memory.New())
	ctx := context.Background()

	if _, err := reg.Create(ctx, "temp", queue.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := reg.Acquire("temp"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound after delete, got %v", err)
	}
	if err := reg.Delete(ctx, "temp"); !errors.Is(err, photoq.ErrQueueNotFound) {
		t.Fatalf("expected ErrQueueNotFound on double delete, got %v", err)
	}
}
