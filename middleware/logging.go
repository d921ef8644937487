package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/taskcrew/workunit"
)

// Logging returns middleware that logs each attempt. A failed attempt
// that still has budget left logs at Warn; a failure on the final attempt
// logs at Error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) error {
		log := logger.With(
			slog.String("unit_id", u.ID.String()),
			slog.String("kind", u.Kind),
			slog.String("worker_type", u.WorkerType),
			slog.Int("attempt", u.AttemptCount),
		)
		if u.SubjectRef != "" {
			log = log.With(slog.String("subject_ref", u.SubjectRef))
		}
		log.DebugContext(ctx, "unit attempt started")

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			log.InfoContext(ctx, "unit attempt succeeded", slog.Duration("elapsed", elapsed))
		case u.AttemptCount >= u.MaxAttempts:
			log.ErrorContext(ctx, "unit attempt failed, no attempts left",
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		default:
			log.WarnContext(ctx, "unit attempt failed",
				slog.Int("max_attempts", u.MaxAttempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
