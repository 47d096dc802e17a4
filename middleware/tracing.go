package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Vanuan/photoq/job"
)

const tracerName = "github.com/Vanuan/photoq"

// Tracing returns middleware that wraps each job execution in a span using
// the global OpenTelemetry tracer provider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware bound to an explicit tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "photoq.job.execute",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("photoq.job.id", j.ID.String()),
				attribute.String("photoq.job.kind", j.Kind),
				attribute.String("photoq.queue", j.Queue),
				attribute.Int("photoq.attempt", j.Attempts),
			),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
