// Package observability exports engine lifecycle metrics to
// Prometheus. The MetricsExtension implements photoq lifecycle hooks
// to record per-queue counters for enqueue, completion, failure,
// retry, and dead-letter events, a processing duration histogram, and
// gauges for worker slots and breaker state.
//
// For per-execution OpenTelemetry spans and metrics, see the
// middleware package: middleware.Tracing() and middleware.Metrics().
package observability
