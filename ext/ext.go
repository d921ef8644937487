package ext

import (
	"context"
	"time"

	"github.com/xraph/taskcrew/workunit"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Work unit lifecycle hooks
// ──────────────────────────────────────────────────

// UnitEnqueued is called after a unit is persisted.
type UnitEnqueued interface {
	OnUnitEnqueued(ctx context.Context, u *workunit.WorkUnit) error
}

// UnitStarted is called when a pool worker begins executing a unit.
type UnitStarted interface {
	OnUnitStarted(ctx context.Context, u *workunit.WorkUnit) error
}

// UnitCompleted is called after a unit finishes successfully.
type UnitCompleted interface {
	OnUnitCompleted(ctx context.Context, u *workunit.WorkUnit, elapsed time.Duration) error
}

// UnitFailed is called when a unit fails terminally.
type UnitFailed interface {
	OnUnitFailed(ctx context.Context, u *workunit.WorkUnit, err error) error
}

// UnitRetrying is called when a unit fails but is requeued for another attempt.
type UnitRetrying interface {
	OnUnitRetrying(ctx context.Context, u *workunit.WorkUnit, attempt int, nextRunAt time.Time) error
}

// UnitCancelled is called after a unit moves to cancelled.
type UnitCancelled interface {
	OnUnitCancelled(ctx context.Context, u *workunit.WorkUnit) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// BackendHealthChanged is called when the fast queue path goes up or down.
type BackendHealthChanged interface {
	OnBackendHealthChanged(ctx context.Context, healthy bool) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
