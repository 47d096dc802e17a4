package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Vanuan/photoq/job"
)

const meterName = "github.com/Vanuan/photoq"

// Metrics returns middleware that records job execution metrics using the
// global OpenTelemetry meter provider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware bound to an explicit meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, err := meter.Float64Histogram(
		"photoq.job.duration",
		metric.WithDescription("Job execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		// Fall back to a noop instrument rather than failing middleware setup.
		duration = noopHistogram{}
	}

	executions, err := meter.Int64Counter(
		"photoq.job.executions",
		metric.WithDescription("Total job executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		executions = noopCounter{}
	}

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("job_kind", j.Kind),
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed.Seconds(), attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}

type noopHistogram struct {
	metric.Float64Histogram
}

func (noopHistogram) Record(context.Context, float64, ...metric.RecordOption) {}

type noopCounter struct {
	metric.Int64Counter
}

func (noopCounter) Add(context.Context, int64, ...metric.AddOption) {}
