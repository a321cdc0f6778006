package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for fleetjobs metrics.
const meterName = "github.com/xraph/fleetjobs"

// Metrics returns middleware that records per-send metrics using the global
// OTel MeterProvider. If no MeterProvider is configured, noop instruments
// are used and this middleware becomes a pass-through.
//
// Instruments:
//   - fleetjobs.dispatch.duration (Float64Histogram): send time in seconds,
//     with attributes: step, action, status ("ok" or "error")
//   - fleetjobs.dispatch.sends (Int64Counter): total sends,
//     with attributes: step, action, status ("ok" or "error")
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"fleetjobs.dispatch.duration",
		metric.WithDescription("Duration of device management request sends in seconds"),
		metric.WithUnit("s"),
	)
	sends, _ := meter.Int64Counter(
		"fleetjobs.dispatch.sends",
		metric.WithDescription("Total number of device management request sends"),
		metric.WithUnit("{send}"),
	)

	return func(ctx context.Context, d *Dispatch, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("step", d.StepName),
			attribute.String("action", string(d.Request.Action)),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		sends.Add(ctx, 1, attrs)

		return err
	}
}
