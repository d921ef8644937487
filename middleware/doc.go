// Package middleware provides composable middleware for work unit execution.
//
// A [Middleware] is a function that wraps a handler call. Middleware are
// composed into a chain using [Chain] and applied around every attempt.
// They are applied right-to-left: the first middleware in the slice is the
// outermost wrapper.
//
//	// recover → logging → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Recover]: converts handler panics into *taskcrew.HandlerPanicError
//   - [Logging]: logs unit id, worker type, attempt, duration, and outcome
//   - [Timeout]: cancels the attempt context after a configured duration
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-attempt duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, u *workunit.WorkUnit, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
