package queue

import (
	"context"
	"time"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

var _ Backend = (*Durable)(nil)

// Durable polls the durable table directly. It has no fast path, so
// Healthy always reports false.
type Durable struct {
	store workunit.Store
	now   func() time.Time
}

// NewDurable wraps store.
func NewDurable(store workunit.Store) *Durable {
	return &Durable{store: store, now: utcNow}
}

// Store returns the wrapped durable store.
func (d *Durable) Store() workunit.Store { return d.store }

// Enqueue persists a new unit.
func (d *Durable) Enqueue(ctx context.Context, u *workunit.WorkUnit) error {
	return d.store.InsertUnit(ctx, u)
}

// Claim claims the best ready unit with a conditional update.
func (d *Durable) Claim(ctx context.Context, workerTypes []string) (*workunit.WorkUnit, error) {
	return d.store.ClaimNext(ctx, workerTypes, d.now())
}

// Complete acks a claim.
func (d *Durable) Complete(ctx context.Context, claimed *workunit.WorkUnit, output map[string]any) error {
	return finish(ctx, d.store, claimed, func(u *workunit.WorkUnit, now time.Time) {
		u.Status = workunit.StatusCompleted
		u.Output = output
		if u.Output == nil {
			u.Output = map[string]any{}
		}
		u.Error = ""
		u.CompletedAt = &now
	}, d.now())
}

// Fail finalizes a claim as failed.
func (d *Durable) Fail(ctx context.Context, claimed *workunit.WorkUnit, cause error) error {
	return finish(ctx, d.store, claimed, failWith(cause, false), d.now())
}

// Reject fails a claim and refunds its attempt.
func (d *Durable) Reject(ctx context.Context, claimed *workunit.WorkUnit, cause error) error {
	return finish(ctx, d.store, claimed, failWith(cause, true), d.now())
}

// Requeue returns a claim to pending at availableAt. The requeued unit
// carries no error.
func (d *Durable) Requeue(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time, cause error) error {
	_, err := d.requeue(ctx, claimed, availableAt, false)
	return err
}

// Release returns a claim to pending and refunds its attempt.
func (d *Durable) Release(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time) error {
	_, err := d.requeue(ctx, claimed, availableAt, true)
	return err
}

func (d *Durable) requeue(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time, refund bool) (*workunit.WorkUnit, error) {
	var out *workunit.WorkUnit
	err := finish(ctx, d.store, claimed, func(u *workunit.WorkUnit, _ time.Time) {
		u.Status = workunit.StatusPending
		u.AvailableAt = availableAt.UTC()
		u.Error = ""
		if refund && u.AttemptCount > 0 {
			u.AttemptCount--
		}
		out = u
	}, d.now())
	return out, err
}

// Heartbeat refreshes the claim's lease.
func (d *Durable) Heartbeat(ctx context.Context, claimed *workunit.WorkUnit) error {
	return d.store.HeartbeatUnit(ctx, claimed.ID, claimed.AttemptCount, d.now())
}

// Cancel moves a non-terminal unit to cancelled.
func (d *Durable) Cancel(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	return d.store.CancelUnit(ctx, unitID, d.now())
}

// RecordLateOutput keeps a result that finished after a cancel.
func (d *Durable) RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error {
	return d.store.RecordLateOutput(ctx, unitID, output)
}

// Get returns a unit snapshot.
func (d *Durable) Get(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	return d.store.GetUnit(ctx, unitID)
}

// Stats counts units per status.
func (d *Durable) Stats(ctx context.Context, workerType string) (workunit.Stats, error) {
	return d.store.Stats(ctx, workerType)
}

// RecoverStale requeues claims not heartbeated within threshold.
func (d *Durable) RecoverStale(ctx context.Context, threshold time.Duration) ([]*workunit.WorkUnit, error) {
	return d.store.RequeueStale(ctx, d.now().Add(-threshold))
}

// Healthy always reports false: Durable has no fast path.
func (d *Durable) Healthy() bool { return false }

// finish applies mutate to a copy of claimed and persists it, fenced by
// the claimed attempt.
func finish(ctx context.Context, store workunit.Store, claimed *workunit.WorkUnit, mutate func(u *workunit.WorkUnit, now time.Time), now time.Time) error {
	u := claimed.Clone()
	mutate(u, now)
	return store.FinishUnit(ctx, u, claimed.AttemptCount)
}

func failWith(cause error, refund bool) func(u *workunit.WorkUnit, now time.Time) {
	return func(u *workunit.WorkUnit, now time.Time) {
		u.Status = workunit.StatusFailed
		u.Error = "unknown failure"
		if cause != nil {
			u.Error = cause.Error()
		}
		if refund && u.AttemptCount > 0 {
			u.AttemptCount--
		}
		u.CompletedAt = &now
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// pendingOnly filters units that are claimable again.
func pendingOnly(units []*workunit.WorkUnit) []*workunit.WorkUnit {
	out := make([]*workunit.WorkUnit, 0, len(units))
	for _, u := range units {
		if u.Status == workunit.StatusPending {
			out = append(out, u)
		}
	}
	return out
}
