package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Vanuan/photoq/breaker"
)

func testConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenMax:      1,
	}
}

func TestTransition_ClosedOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := breaker.Snapshot{State: breaker.StateClosed}
	for i := 1; i <= 2; i++ {
		s = breaker.Transition(s, breaker.EventFailure, now, cfg)
		if s.State != breaker.StateClosed {
			t.Fatalf("after %d failures state = %q, want closed", i, s.State)
		}
		if s.Failures != i {
			t.Fatalf("after %d failures counter = %d", i, s.Failures)
		}
	}

	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	if s.State != breaker.StateOpen {
		t.Fatalf("after 3 failures state = %q, want open", s.State)
	}
	if want := now.Add(cfg.ResetTimeout); !s.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", s.NextAttempt, want)
	}
}

func TestTransition_SuccessResetsFailureStreak(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC()

	s := breaker.Snapshot{State: breaker.StateClosed}
	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	s = breaker.Transition(s, breaker.EventSuccess, now, cfg)
	if s.Failures != 0 {
		t.Errorf("Failures = %d after success, want 0", s.Failures)
	}

	// The streak starts over: two more failures must not trip it.
	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	if s.State != breaker.StateClosed {
		t.Errorf("state = %q, want closed (streak was reset)", s.State)
	}
}

func TestTransition_OpenMovesToHalfOpenAfterTimeout(t *testing.T) {
	cfg := testConfig()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := breaker.Snapshot{
		State:       breaker.StateOpen,
		ChangedAt:   opened,
		NextAttempt: opened.Add(cfg.ResetTimeout),
	}

	early := breaker.Transition(s, breaker.EventTimer, opened.Add(30*time.Second), cfg)
	if early.State != breaker.StateOpen {
		t.Fatalf("state = %q before timeout, want open", early.State)
	}

	late := breaker.Transition(s, breaker.EventTimer, opened.Add(cfg.ResetTimeout), cfg)
	if late.State != breaker.StateHalfOpen {
		t.Fatalf("state = %q after timeout, want half-open", late.State)
	}
	if late.Failures != 0 || late.Successes != 0 {
		t.Errorf("counters not reset: failures=%d successes=%d", late.Failures, late.Successes)
	}
}

func TestTransition_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC()

	s := breaker.Snapshot{State: breaker.StateHalfOpen}
	s = breaker.Transition(s, breaker.EventSuccess, now, cfg)
	if s.State != breaker.StateHalfOpen {
		t.Fatalf("state = %q after 1 success, want half-open", s.State)
	}

	s = breaker.Transition(s, breaker.EventSuccess, now, cfg)
	if s.State != breaker.StateClosed {
		t.Fatalf("state = %q after 2 successes, want closed", s.State)
	}
	if s.Failures != 0 || s.Successes != 0 {
		t.Errorf("counters not reset: failures=%d successes=%d", s.Failures, s.Successes)
	}
}

func TestTransition_HalfOpenReopensOnSingleFailure(t *testing.T) {
	cfg := testConfig()
	now := time.Now().UTC()

	s := breaker.Snapshot{State: breaker.StateHalfOpen, Successes: 1}
	s = breaker.Transition(s, breaker.EventFailure, now, cfg)
	if s.State != breaker.StateOpen {
		t.Fatalf("state = %q after half-open failure, want open", s.State)
	}
	if want := now.Add(cfg.ResetTimeout); !s.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", s.NextAttempt, want)
	}
}

func TestBreaker_FullCycle(t *testing.T) {
	cfg := breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		HalfOpenMax:      1,
	}
	b := breaker.New(cfg)

	// Three consecutive failures trip the breaker.
	for range 3 {
		if !b.Allow() {
			t.Fatal("closed breaker should allow attempts")
		}
		b.RecordFailure()
	}
	if b.State() != breaker.StateOpen {
		t.Fatalf("state = %q after threshold failures, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should deny attempts")
	}

	// After the reset timeout the next Allow moves it to half-open and
	// grants the trial slot.
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected trial attempt after reset timeout")
	}
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("state = %q, want half-open", b.State())
	}

	// HalfOpenMax=1: a second attempt while the trial is unresolved is denied.
	if b.Allow() {
		t.Fatal("half-open breaker should deny beyond its trial budget")
	}

	// Two consecutive trial successes close it.
	b.RecordSuccess()
	if !b.Allow() {
		t.Fatal("expected second trial slot after first success")
	}
	b.RecordSuccess()
	if b.State() != breaker.StateClosed {
		t.Fatalf("state = %q after success threshold, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		HalfOpenMax:      1,
	}
	b := breaker.New(cfg)

	b.RecordFailure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("state = %q, want open", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected trial after timeout")
	}
	b.RecordFailure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("state = %q after trial failure, want open", b.State())
	}
	if b.Allow() {
		t.Fatal("reopened breaker should deny attempts")
	}
}

func TestBreaker_DisabledAlwaysAllows(t *testing.T) {
	b := breaker.New(breaker.Config{})

	for range 20 {
		if !b.Allow() {
			t.Fatal("disabled breaker should always allow")
		}
		b.RecordFailure()
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("disabled breaker state = %q, want closed", b.State())
	}
}

func TestBreaker_TransitionHook(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	cfg := breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Millisecond,
		HalfOpenMax:      1,
	}
	b := breaker.New(cfg, breaker.WithTransitionFunc(func(from, to breaker.State, _ time.Time) {
		mu.Lock()
		seen = append(seen, string(from)+"->"+string(to))
		mu.Unlock()
	}))

	b.RecordFailure()
	b.RecordFailure() // trips
	time.Sleep(15 * time.Millisecond)
	b.Allow()         // half-open
	b.RecordSuccess() // closes

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, HalfOpenMax: 1}
	b := breaker.New(cfg)

	b.RecordFailure()
	if b.State() != breaker.StateOpen {
		t.Fatalf("state = %q, want open", b.State())
	}

	b.Reset()
	if b.State() != breaker.StateClosed {
		t.Fatalf("state = %q after reset, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("reset breaker should allow attempts")
	}
}

func TestBreaker_CancelReleasesTrialSlot(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenMax: 1}
	b := breaker.New(cfg)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected half-open trial to be allowed")
	}
	if b.Allow() {
		t.Fatal("second trial should be denied while budget is held")
	}

	// The permitted attempt never ran; releasing its slot makes the
	// budget available again without changing state.
	b.Cancel()
	if b.State() != breaker.StateHalfOpen {
		t.Fatalf("state = %q after cancel, want half-open", b.State())
	}
	if !b.Allow() {
		t.Error("expected trial slot to be available after Cancel")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     breaker.Config
		wantErr bool
	}{
		{"disabled is valid", breaker.Config{}, false},
		{"default is valid", breaker.DefaultConfig(), false},
		{"missing success threshold", breaker.Config{FailureThreshold: 3, ResetTimeout: time.Second, HalfOpenMax: 1}, true},
		{"missing reset timeout", breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, HalfOpenMax: 1}, true},
		{"missing half-open budget", breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
