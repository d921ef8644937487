package workunit

import (
	"context"
	"time"

	"github.com/xraph/taskcrew/id"
)

// StaleExhaustedError is the error recorded on a unit whose final claim
// was lost.
const StaleExhaustedError = "taskcrew: claim lost on final attempt"

// ListOpts controls filtering for pending-unit listings.
type ListOpts struct {
	// WorkerType filters by worker type. Empty means all.
	WorkerType string
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// Stats holds per-status counts.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Total returns the sum of all counts.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
}

// Add increments the counter matching status by n.
func (s *Stats) Add(status Status, n int64) {
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusProcessing:
		s.Processing += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// Store defines the durable persistence contract for work units.
type Store interface {
	// InsertUnit persists a new unit. Returns taskcrew.ErrUnitAlreadyExists
	// on a duplicate ID.
	InsertUnit(ctx context.Context, u *WorkUnit) error

	// GetUnit retrieves a unit snapshot by ID.
	GetUnit(ctx context.Context, unitID id.WorkUnitID) (*WorkUnit, error)

	// ClaimNext atomically claims the best pending unit among workerTypes
	// whose AvailableAt is not after now: status becomes processing,
	// AttemptCount is incremented and StartedAt and HeartbeatAt are set.
	// Returns nil, nil when nothing is ready.
	ClaimNext(ctx context.Context, workerTypes []string, now time.Time) (*WorkUnit, error)

	// ClaimUnit claims one specific pending unit, as ClaimNext does.
	// Returns taskcrew.ErrClaimConflict when the unit is no longer pending
	// or not yet available.
	ClaimUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*WorkUnit, error)

	// FinishUnit persists the outcome of a claim: u.Status is completed,
	// failed, or pending (requeue). The write only applies while the stored
	// unit is still processing with AttemptCount == claimedAttempt;
	// otherwise it returns taskcrew.ErrClaimConflict. HeartbeatAt is
	// cleared.
	FinishUnit(ctx context.Context, u *WorkUnit, claimedAttempt int) error

	// HeartbeatUnit sets HeartbeatAt to now for a unit still processing
	// under claimedAttempt. Otherwise it returns taskcrew.ErrClaimConflict,
	// or taskcrew.ErrUnitNotFound.
	HeartbeatUnit(ctx context.Context, unitID id.WorkUnitID, claimedAttempt int, now time.Time) error

	// CancelUnit moves a pending or processing unit to cancelled and
	// returns the result. Returns taskcrew.ErrTerminalState when the unit
	// already finalized.
	CancelUnit(ctx context.Context, unitID id.WorkUnitID, now time.Time) (*WorkUnit, error)

	// RecordLateOutput attaches a handler result that arrived after the
	// unit was cancelled. The status stays cancelled.
	RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error

	// ListPending returns pending units in serving order.
	ListPending(ctx context.Context, opts ListOpts) ([]*WorkUnit, error)

	// RequeueStale returns processing units whose LastSeen is before
	// cutoff to pending. A stale unit that already used its last attempt is failed
	// with StaleExhaustedError instead. Every affected unit is returned.
	RequeueStale(ctx context.Context, cutoff time.Time) ([]*WorkUnit, error)

	// Stats counts units per status. An empty workerType counts all.
	Stats(ctx context.Context, workerType string) (Stats, error)

	// Migrate prepares the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}
