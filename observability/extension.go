package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Vanuan/photoq/breaker"
	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/ext"
	"github.com/Vanuan/photoq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.JobEnqueued         = (*MetricsExtension)(nil)
	_ ext.JobCompleted        = (*MetricsExtension)(nil)
	_ ext.JobFailed           = (*MetricsExtension)(nil)
	_ ext.JobRetrying         = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered     = (*MetricsExtension)(nil)
	_ ext.BreakerStateChanged = (*MetricsExtension)(nil)
	_ ext.WorkersScaled       = (*MetricsExtension)(nil)
)

// MetricsExtension records engine lifecycle metrics in Prometheus.
// Register it as a photoq extension to track enqueue rates, completion
// and failure counts, retries, dead letters, processing latency, pool
// sizes, and breaker state per queue.
type MetricsExtension struct {
	gatherer prometheus.Gatherer

	jobsEnqueued     *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsRetried      *prometheus.CounterVec
	jobsDeadLettered *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	workerSlots      *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec
}

// NewMetricsExtension creates a MetricsExtension on the default
// Prometheus registry.
func NewMetricsExtension() *MetricsExtension {
	return newMetricsExtension(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsExtensionWithRegistry creates a MetricsExtension on the
// given registry. Use a fresh registry in tests or when photoq runs
// next to other instrumented code.
func NewMetricsExtensionWithRegistry(reg *prometheus.Registry) *MetricsExtension {
	return newMetricsExtension(reg, reg)
}

func newMetricsExtension(reg prometheus.Registerer, g prometheus.Gatherer) *MetricsExtension {
	factory := promauto.With(reg)
	jobLabels := []string{"queue", "kind"}
	return &MetricsExtension{
		gatherer: g,
		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photoq_jobs_enqueued_total",
			Help: "Jobs accepted into a queue",
		}, jobLabels),
		jobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photoq_jobs_completed_total",
			Help: "Jobs that finished successfully",
		}, jobLabels),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photoq_jobs_failed_total",
			Help: "Job executions that returned an error",
		}, jobLabels),
		jobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photoq_jobs_retried_total",
			Help: "Jobs rescheduled for another attempt",
		}, jobLabels),
		jobsDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "photoq_jobs_dead_lettered_total",
			Help: "Jobs captured in the dead letter queue",
		}, jobLabels),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photoq_job_duration_seconds",
			Help:    "Job processing duration",
			Buckets: prometheus.DefBuckets,
		}, jobLabels),
		workerSlots: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "photoq_worker_slots",
			Help: "Configured worker slots per queue",
		}, []string{"queue"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "photoq_breaker_state",
			Help: "Circuit breaker state per queue (0 closed, 1 half-open, 2 open)",
		}, []string{"queue"}),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// Handler serves the extension's metrics in Prometheus text format.
// Mount it on /metrics.
func (m *MetricsExtension) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(_ context.Context, j *job.Job) error {
	m.jobsEnqueued.WithLabelValues(j.Queue, j.Kind).Inc()
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobsCompleted.WithLabelValues(j.Queue, j.Kind).Inc()
	m.jobDuration.WithLabelValues(j.Queue, j.Kind).Observe(elapsed.Seconds())
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	m.jobsFailed.WithLabelValues(j.Queue, j.Kind).Inc()
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(_ context.Context, j *job.Job, _ time.Duration) error {
	m.jobsRetried.WithLabelValues(j.Queue, j.Kind).Inc()
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(_ context.Context, j *job.Job, _ *dlq.Record) error {
	m.jobsDeadLettered.WithLabelValues(j.Queue, j.Kind).Inc()
	return nil
}

// ── Coordination hooks ──────────────────────────────

// OnBreakerStateChanged implements ext.BreakerStateChanged.
func (m *MetricsExtension) OnBreakerStateChanged(_ context.Context, queueName string, _, to breaker.State) error {
	m.breakerState.WithLabelValues(queueName).Set(breakerValue(to))
	return nil
}

// OnWorkersScaled implements ext.WorkersScaled.
func (m *MetricsExtension) OnWorkersScaled(_ context.Context, queueName string, _, to int, _ string) error {
	m.workerSlots.WithLabelValues(queueName).Set(float64(to))
	return nil
}

func breakerValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
