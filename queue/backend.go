package queue

import (
	"context"
	"time"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// Backend is the queue strategy the dispatcher uses. Every claim-scoped
// operation takes the unit exactly as Claim returned it; its AttemptCount
// fences the write so only the current claim holder can finalize.
type Backend interface {
	// Enqueue persists and indexes a new unit.
	Enqueue(ctx context.Context, u *workunit.WorkUnit) error

	// Claim atomically moves the best ready unit among workerTypes to
	// processing. It returns nil, nil when nothing is ready.
	Claim(ctx context.Context, workerTypes []string) (*workunit.WorkUnit, error)

	// Complete acks a claim with the handler output.
	Complete(ctx context.Context, claimed *workunit.WorkUnit, output map[string]any) error

	// Fail finalizes a claim as failed, preserving cause.
	Fail(ctx context.Context, claimed *workunit.WorkUnit, cause error) error

	// Reject fails a claim without consuming its attempt, for units that
	// could never have run such as an unknown worker type.
	Reject(ctx context.Context, claimed *workunit.WorkUnit, cause error) error

	// Requeue returns a claim to pending, claimable again at availableAt.
	Requeue(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time, cause error) error

	// Release returns a claim to pending without consuming its attempt.
	Release(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time) error

	// Heartbeat extends the lease of a claim so stale recovery leaves it
	// alone. It returns taskcrew.ErrClaimConflict once the claim is lost.
	Heartbeat(ctx context.Context, claimed *workunit.WorkUnit) error

	// Cancel moves a pending or processing unit to cancelled.
	Cancel(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error)

	// RecordLateOutput keeps a result that finished after a cancel.
	RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error

	// Get returns a unit snapshot.
	Get(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error)

	// Stats counts units per status. An empty workerType counts all.
	Stats(ctx context.Context, workerType string) (workunit.Stats, error)

	// RecoverStale requeues claims whose last heartbeat is older than
	// threshold, presumed lost.
	RecoverStale(ctx context.Context, threshold time.Duration) ([]*workunit.WorkUnit, error)

	// Healthy reports whether the fast path is in use.
	Healthy() bool
}
