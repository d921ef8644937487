package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/taskcrew/workunit"
)

// Timeout returns middleware that enforces an execution deadline per
// attempt. byWorkerType overrides fallback for specific worker types; a
// zero result leaves the context untouched. When the deadline passes the
// context is cancelled and the handler should return
// context.DeadlineExceeded, which is retryable.
func Timeout(logger *slog.Logger, fallback time.Duration, byWorkerType map[string]time.Duration) Middleware {
	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) error {
		limit := fallback
		if d, ok := byWorkerType[u.WorkerType]; ok {
			limit = d
		}
		if limit > 0 {
			logger.Debug("unit timeout set",
				slog.String("unit_id", u.ID.String()),
				slog.Duration("timeout", limit),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
