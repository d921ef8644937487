package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/workunit"
)

// Recover returns middleware that recovers from panics in the handler chain.
// A panic becomes a *taskcrew.HandlerPanicError, which is retryable, and is
// logged with its stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("unit handler panicked",
					slog.String("unit_id", u.ID.String()),
					slog.String("worker_type", u.WorkerType),
					slog.String("kind", u.Kind),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = &taskcrew.HandlerPanicError{Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
