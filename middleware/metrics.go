package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/taskcrew/workunit"
)

// meterName is the instrumentation scope name for taskcrew metrics.
const meterName = "github.com/xraph/taskcrew"

// Metrics returns middleware that records per-attempt execution metrics
// using the global OTel MeterProvider. Without a configured provider the
// instruments are noops.
//
// Instruments:
//   - taskcrew.unit.duration (Float64Histogram): attempt time in seconds
//   - taskcrew.unit.executions (Int64Counter): attempts
//
// Both carry kind, worker_type, status ("ok", "error" or "timeout") and
// final, which is true on a unit's last allowed attempt.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"taskcrew.unit.duration",
		metric.WithDescription("Duration of one unit attempt in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"taskcrew.unit.executions",
		metric.WithDescription("Total number of unit execution attempts"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("kind", u.Kind),
			attribute.String("worker_type", u.WorkerType),
			attribute.String("status", attemptStatus(err)),
			attribute.Bool("final", u.AttemptCount >= u.MaxAttempts),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}

func attemptStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
