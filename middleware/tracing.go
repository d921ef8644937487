package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/taskcrew/workunit"
)

// tracerName is the instrumentation scope name for taskcrew tracing.
const tracerName = "github.com/xraph/taskcrew"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span named "execute <worker_type>", using the global TracerProvider.
//
// Span attributes: taskcrew.unit.id, taskcrew.unit.kind,
// taskcrew.worker_type, taskcrew.attempt, taskcrew.max_attempts,
// taskcrew.priority, and taskcrew.subject_ref / taskcrew.parent_ref when
// set. A failed attempt records the error and sets codes.Error; a passed
// deadline also adds a "deadline_exceeded" event.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("taskcrew.unit.id", u.ID.String()),
			attribute.String("taskcrew.unit.kind", u.Kind),
			attribute.String("taskcrew.worker_type", u.WorkerType),
			attribute.Int("taskcrew.attempt", u.AttemptCount),
			attribute.Int("taskcrew.max_attempts", u.MaxAttempts),
			attribute.Int("taskcrew.priority", u.Priority),
		}
		if u.SubjectRef != "" {
			attrs = append(attrs, attribute.String("taskcrew.subject_ref", u.SubjectRef))
		}
		if !u.ParentRef.IsNil() {
			attrs = append(attrs, attribute.String("taskcrew.parent_ref", u.ParentRef.String()))
		}

		ctx, span := tracer.Start(ctx, "execute "+u.WorkerType,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		default:
			if errors.Is(err, context.DeadlineExceeded) {
				span.AddEvent("deadline_exceeded")
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}
