package middleware

import (
	"context"

	"github.com/xraph/taskcrew/workunit"
)

// Handler is the terminal function that runs the registered handler for
// a unit. Its output is captured by the caller.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the claimed unit, and the next
// handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error). The unit is the claim snapshot and
// must not be mutated.
type Middleware func(ctx context.Context, u *workunit.WorkUnit, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(recover, logging, timeout) executes as:
//
//	recover → logging → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, u *workunit.WorkUnit, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, u, prev)
			}
		}
		return h(ctx)
	}
}
