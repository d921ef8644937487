package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

var _ Backend = (*Fast)(nil)

// Index is the fast priority index over pending unit IDs. store/redis
// provides the implementation.
type Index interface {
	Add(ctx context.Context, u *workunit.WorkUnit, now time.Time) error
	AddAll(ctx context.Context, units []*workunit.WorkUnit, now time.Time) error
	Remove(ctx context.Context, u *workunit.WorkUnit) error
	Pop(ctx context.Context, workerTypes []string, now time.Time) (id.WorkUnitID, bool, error)
	Ping(ctx context.Context) error
}

// maxStalePops bounds how many stale index entries one Claim discards
// before giving up for this poll.
const maxStalePops = 32

// Fast orders claims through the index and confirms each one against the
// durable table. Index failures are returned wrapped in
// taskcrew.ErrBackendUnavailable after any durable write has already
// succeeded, so a caller can fall back without redoing work.
type Fast struct {
	*Durable
	index  Index
	logger *slog.Logger
	ok     atomic.Bool
}

// NewFast combines a durable store with an index.
func NewFast(store workunit.Store, index Index, logger *slog.Logger) *Fast {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fast{Durable: NewDurable(store), index: index, logger: logger}
	f.ok.Store(true)
	return f
}

// Enqueue writes the unit to the durable table, then indexes it.
func (f *Fast) Enqueue(ctx context.Context, u *workunit.WorkUnit) error {
	if err := f.store.InsertUnit(ctx, u); err != nil {
		return err
	}
	if u.Status != workunit.StatusPending {
		return nil
	}
	return f.indexErr(f.index.Add(ctx, u, f.now()))
}

// Claim pops IDs from the index until one is claimed in the durable table.
// Entries whose unit is no longer pending are dropped; entries that are
// pending but not yet available are re-indexed as delayed.
func (f *Fast) Claim(ctx context.Context, workerTypes []string) (*workunit.WorkUnit, error) {
	for range maxStalePops {
		now := f.now()
		unitID, ok, err := f.index.Pop(ctx, workerTypes, now)
		if err != nil {
			return nil, f.indexErr(err)
		}
		if !ok {
			f.ok.Store(true)
			return nil, nil
		}

		u, err := f.store.ClaimUnit(ctx, unitID, now)
		switch {
		case err == nil:
			f.ok.Store(true)
			return u, nil
		case errors.Is(err, taskcrew.ErrUnitNotFound):
			continue
		case errors.Is(err, taskcrew.ErrClaimConflict):
			if err := f.reindexIfPending(ctx, unitID); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

func (f *Fast) reindexIfPending(ctx context.Context, unitID id.WorkUnitID) error {
	cur, err := f.store.GetUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, taskcrew.ErrUnitNotFound) {
			return nil
		}
		return err
	}
	if cur.Status != workunit.StatusPending {
		return nil
	}
	return f.indexErr(f.index.Add(ctx, cur, f.now()))
}

// Requeue returns a claim to pending and re-indexes it.
func (f *Fast) Requeue(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time, cause error) error {
	u, err := f.requeue(ctx, claimed, availableAt, false)
	if err != nil {
		return err
	}
	return f.indexErr(f.index.Add(ctx, u, f.now()))
}

// Release returns a claim to pending, refunds its attempt, and re-indexes
// it.
func (f *Fast) Release(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time) error {
	u, err := f.requeue(ctx, claimed, availableAt, true)
	if err != nil {
		return err
	}
	return f.indexErr(f.index.Add(ctx, u, f.now()))
}

// Cancel cancels in the durable table and drops the index entry.
func (f *Fast) Cancel(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	u, err := f.store.CancelUnit(ctx, unitID, f.now())
	if err != nil {
		return nil, err
	}
	return u, f.indexErr(f.index.Remove(ctx, u))
}

// RecoverStale requeues lost claims and indexes the ones that went back
// to pending.
func (f *Fast) RecoverStale(ctx context.Context, threshold time.Duration) ([]*workunit.WorkUnit, error) {
	units, err := f.Durable.RecoverStale(ctx, threshold)
	if err != nil {
		return nil, err
	}
	return units, f.indexErr(f.index.AddAll(ctx, pendingOnly(units), f.now()))
}

// Resync indexes every pending unit of the durable table. Index writes are
// idempotent, so resync is safe at any time.
func (f *Fast) Resync(ctx context.Context) (int, error) {
	pending, err := f.store.ListPending(ctx, workunit.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("taskcrew/queue: resync list: %w", err)
	}
	if err := f.index.AddAll(ctx, pending, f.now()); err != nil {
		return 0, f.indexErr(err)
	}
	return len(pending), nil
}

// Ping checks the index.
func (f *Fast) Ping(ctx context.Context) error {
	return f.indexErr(f.index.Ping(ctx))
}

// Healthy reports whether the last index operation succeeded.
func (f *Fast) Healthy() bool { return f.ok.Load() }

func (f *Fast) indexErr(err error) error {
	if err == nil {
		f.ok.Store(true)
		return nil
	}
	f.ok.Store(false)
	return fmt.Errorf("%w: %w", taskcrew.ErrBackendUnavailable, err)
}

// IsUnavailable reports whether err means the fast index could not be
// reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, taskcrew.ErrBackendUnavailable)
}
