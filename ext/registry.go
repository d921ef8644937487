package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/taskcrew/workunit"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type unitEnqueuedEntry struct {
	name string
	hook UnitEnqueued
}

type unitStartedEntry struct {
	name string
	hook UnitStarted
}

type unitCompletedEntry struct {
	name string
	hook UnitCompleted
}

type unitFailedEntry struct {
	name string
	hook UnitFailed
}

type unitRetryingEntry struct {
	name string
	hook UnitRetrying
}

type unitCancelledEntry struct {
	name string
	hook UnitCancelled
}

type backendHealthEntry struct {
	name string
	hook BackendHealthChanged
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register is not safe to call concurrently with the emit methods; all
// extensions are registered before the engine starts.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	unitEnqueued  []unitEnqueuedEntry
	unitStarted   []unitStartedEntry
	unitCompleted []unitCompletedEntry
	unitFailed    []unitFailedEntry
	unitRetrying  []unitRetryingEntry
	unitCancelled []unitCancelledEntry
	backendHealth []backendHealthEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(UnitEnqueued); ok {
		r.unitEnqueued = append(r.unitEnqueued, unitEnqueuedEntry{name, h})
	}
	if h, ok := e.(UnitStarted); ok {
		r.unitStarted = append(r.unitStarted, unitStartedEntry{name, h})
	}
	if h, ok := e.(UnitCompleted); ok {
		r.unitCompleted = append(r.unitCompleted, unitCompletedEntry{name, h})
	}
	if h, ok := e.(UnitFailed); ok {
		r.unitFailed = append(r.unitFailed, unitFailedEntry{name, h})
	}
	if h, ok := e.(UnitRetrying); ok {
		r.unitRetrying = append(r.unitRetrying, unitRetryingEntry{name, h})
	}
	if h, ok := e.(UnitCancelled); ok {
		r.unitCancelled = append(r.unitCancelled, unitCancelledEntry{name, h})
	}
	if h, ok := e.(BackendHealthChanged); ok {
		r.backendHealth = append(r.backendHealth, backendHealthEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Work unit event emitters
// ──────────────────────────────────────────────────

// EmitUnitEnqueued notifies all extensions that implement UnitEnqueued.
func (r *Registry) EmitUnitEnqueued(ctx context.Context, u *workunit.WorkUnit) {
	for _, e := range r.unitEnqueued {
		if err := e.hook.OnUnitEnqueued(ctx, u); err != nil {
			r.logHookError("OnUnitEnqueued", e.name, err)
		}
	}
}

// EmitUnitStarted notifies all extensions that implement UnitStarted.
func (r *Registry) EmitUnitStarted(ctx context.Context, u *workunit.WorkUnit) {
	for _, e := range r.unitStarted {
		if err := e.hook.OnUnitStarted(ctx, u); err != nil {
			r.logHookError("OnUnitStarted", e.name, err)
		}
	}
}

// EmitUnitCompleted notifies all extensions that implement UnitCompleted.
func (r *Registry) EmitUnitCompleted(ctx context.Context, u *workunit.WorkUnit, elapsed time.Duration) {
	for _, e := range r.unitCompleted {
		if err := e.hook.OnUnitCompleted(ctx, u, elapsed); err != nil {
			r.logHookError("OnUnitCompleted", e.name, err)
		}
	}
}

// EmitUnitFailed notifies all extensions that implement UnitFailed.
func (r *Registry) EmitUnitFailed(ctx context.Context, u *workunit.WorkUnit, unitErr error) {
	for _, e := range r.unitFailed {
		if err := e.hook.OnUnitFailed(ctx, u, unitErr); err != nil {
			r.logHookError("OnUnitFailed", e.name, err)
		}
	}
}

// EmitUnitRetrying notifies all extensions that implement UnitRetrying.
func (r *Registry) EmitUnitRetrying(ctx context.Context, u *workunit.WorkUnit, attempt int, nextRunAt time.Time) {
	for _, e := range r.unitRetrying {
		if err := e.hook.OnUnitRetrying(ctx, u, attempt, nextRunAt); err != nil {
			r.logHookError("OnUnitRetrying", e.name, err)
		}
	}
}

// EmitUnitCancelled notifies all extensions that implement UnitCancelled.
func (r *Registry) EmitUnitCancelled(ctx context.Context, u *workunit.WorkUnit) {
	for _, e := range r.unitCancelled {
		if err := e.hook.OnUnitCancelled(ctx, u); err != nil {
			r.logHookError("OnUnitCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitBackendHealthChanged notifies all extensions that implement
// BackendHealthChanged.
func (r *Registry) EmitBackendHealthChanged(ctx context.Context, healthy bool) {
	for _, e := range r.backendHealth {
		if err := e.hook.OnBackendHealthChanged(ctx, healthy); err != nil {
			r.logHookError("OnBackendHealthChanged", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated to the dispatcher.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
