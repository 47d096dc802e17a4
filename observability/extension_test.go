package observability_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/id"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/observability"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:    id.NewJobID(),
		Kind:  "thumbnail",
		Queue: "default",
	}
}

// metricValue reads one counter or gauge with the given labels out of
// the registry.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			match := len(got) == len(labels)
			for k, v := range labels {
				if got[k] != v {
					match = false
				}
			}
			if !match {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e := observability.NewMetricsExtensionWithRegistry(prometheus.NewRegistry())
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_CountsJobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := observability.NewMetricsExtensionWithRegistry(reg)
	ctx := context.Background()
	j := newTestJob()

	for range 2 {
		if err := e.OnJobEnqueued(ctx, j); err != nil {
			t.Fatalf("OnJobEnqueued: %v", err)
		}
	}
	if err := e.OnJobCompleted(ctx, j, 100*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if err := e.OnJobRetrying(ctx, j, time.Second); err != nil {
		t.Fatalf("OnJobRetrying: %v", err)
	}
	if err := e.OnJobDeadLettered(ctx, j, &dlq.Record{Reason: dlq.ReasonMaxRetries}); err != nil {
		t.Fatalf("OnJobDeadLettered: %v", err)
	}

	labels := map[string]string{"queue": "default", "kind": "thumbnail"}
	checks := []struct {
		name string
		want float64
	}{
		{"photoq_jobs_enqueued_total", 2},
		{"photoq_jobs_completed_total", 1},
		{"photoq_jobs_failed_total", 1},
		{"photoq_jobs_retried_total", 1},
		{"photoq_jobs_dead_lettered_total", 1},
	}
	for _, c := range checks {
		if got := metricValue(t, reg, c.name, labels); got != c.want {
			t.Errorf("%s: want %v, got %v", c.name, c.want, got)
		}
	}
}

func TestMetricsExtension_ObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := observability.NewMetricsExtensionWithRegistry(reg)

	if err := e.OnJobCompleted(context.Background(), newTestJob(), 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "photoq_job_duration_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		if h.GetSampleCount() != 1 {
			t.Fatalf("sample count = %d, want 1", h.GetSampleCount())
		}
		if sum := h.GetSampleSum(); sum < 0.24 || sum > 0.26 {
			t.Fatalf("sample sum = %v, want about 0.25", sum)
		}
		return
	}
	t.Fatal("duration histogram not found")
}

func TestMetricsExtension_TracksWorkersAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := observability.NewMetricsExtensionWithRegistry(reg)
	ctx := context.Background()

	if err := e.OnWorkersScaled(ctx, "default", 1, 4, "manual"); err != nil {
		t.Fatalf("OnWorkersScaled: %v", err)
	}
	if got := metricValue(t, reg, "photoq_worker_slots", map[string]string{"queue": "default"}); got != 4 {
		t.Fatalf("worker slots = %v, want 4", got)
	}

	steps := []struct {
		to   breaker.State
		want float64
	}{
		{breaker.StateOpen, 2},
		{breaker.StateHalfOpen, 1},
		{breaker.StateClosed, 0},
	}
	for _, s := range steps {
		if err := e.OnBreakerStateChanged(ctx, "default", breaker.StateClosed, s.to); err != nil {
			t.Fatalf("OnBreakerStateChanged: %v", err)
		}
		if got := metricValue(t, reg, "photoq_breaker_state", map[string]string{"queue": "default"}); got != s.want {
			t.Fatalf("breaker gauge after %s = %v, want %v", s.to, got, s.want)
		}
	}
}

func TestMetricsExtension_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := observability.NewMetricsExtensionWithRegistry(reg)

	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("OnJobEnqueued: %v", err)
	}

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "photoq_jobs_enqueued_total") {
		t.Fatalf("metrics body missing enqueued counter:\n%s", body)
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := observability.NewMetricsExtensionWithRegistry(reg)

	hooks := ext.NewRegistry(slog.Default())
	hooks.Register(e)

	ctx := context.Background()
	j := newTestJob()

	hooks.EmitJobEnqueued(ctx, j)
	hooks.EmitJobCompleted(ctx, j, 50*time.Millisecond)
	hooks.EmitJobFailed(ctx, j, errors.New("fail"))
	hooks.EmitJobRetrying(ctx, j, time.Second)
	hooks.EmitJobDeadLettered(ctx, j, &dlq.Record{Reason: dlq.ReasonNonRetryable})
	hooks.EmitWorkersScaled(ctx, "default", 0, 2, "register")

	labels := map[string]string{"queue": "default", "kind": "thumbnail"}
	for _, name := range []string{
		"photoq_jobs_enqueued_total",
		"photoq_jobs_completed_total",
		"photoq_jobs_failed_total",
		"photoq_jobs_retried_total",
		"photoq_jobs_dead_lettered_total",
	} {
		if got := metricValue(t, reg, name, labels); got != 1 {
			t.Errorf("%s: want 1, got %v", name, got)
		}
	}
	if got := metricValue(t, reg, "photoq_worker_slots", map[string]string{"queue": "default"}); got != 2 {
		t.Errorf("worker slots: want 2, got %v", got)
	}
}
