package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for fleetjobs tracing.
const tracerName = "github.com/xraph/fleetjobs"

// Tracing returns middleware that wraps each send in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is
// used and this middleware becomes a pass-through.
//
// Span attributes include: fleetjobs.job.id, fleetjobs.execution.id,
// fleetjobs.target.id, fleetjobs.device.id, fleetjobs.step.index,
// fleetjobs.step.name, fleetjobs.attempt and fleetjobs.scope.id.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, d *Dispatch, next Handler) error {
		ctx, span := tracer.Start(ctx, "fleetjobs.dispatch",
			trace.WithAttributes(
				attribute.String("fleetjobs.job.id", d.JobID.String()),
				attribute.String("fleetjobs.execution.id", d.ExecutionID.String()),
				attribute.String("fleetjobs.target.id", d.TargetID.String()),
				attribute.String("fleetjobs.device.id", d.Request.DeviceID.String()),
				attribute.Int("fleetjobs.step.index", d.StepIndex),
				attribute.String("fleetjobs.step.name", d.StepName),
				attribute.Int("fleetjobs.attempt", d.Attempt),
				attribute.String("fleetjobs.scope.id", d.Request.ScopeID),
			),
			trace.WithSpanKind(trace.SpanKindClient),
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
