// Package memory provides an in-process work unit table. It is safe for
// concurrent use and serves tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

var _ workunit.Store = (*Store)(nil)

// Store is a fully in-memory implementation of workunit.Store.
type Store struct {
	mu     sync.RWMutex
	units  map[string]*workunit.WorkUnit
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{units: make(map[string]*workunit.WorkUnit)}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return taskcrew.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Stored units stay readable.
func (m *Store) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Work unit store
// ──────────────────────────────────────────────────

// InsertUnit persists a new unit.
func (m *Store) InsertUnit(_ context.Context, u *workunit.WorkUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := u.ID.String()
	if _, exists := m.units[key]; exists {
		return taskcrew.ErrUnitAlreadyExists
	}
	m.units[key] = u.Clone()
	return nil
}

// GetUnit retrieves a unit by ID.
func (m *Store) GetUnit(_ context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.units[unitID.String()]
	if !ok {
		return nil, taskcrew.ErrUnitNotFound
	}
	return u.Clone(), nil
}

// ClaimNext claims the best ready unit among workerTypes. An empty
// workerTypes slice matches every type.
func (m *Store) ClaimNext(_ context.Context, workerTypes []string, now time.Time) (*workunit.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeSet := make(map[string]struct{}, len(workerTypes))
	for _, wt := range workerTypes {
		typeSet[wt] = struct{}{}
	}

	var best *workunit.WorkUnit
	for _, u := range m.units {
		if u.Status != workunit.StatusPending || u.AvailableAt.After(now) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[u.WorkerType]; !ok {
				continue
			}
		}
		if best == nil || workunit.Less(u, best) {
			best = u
		}
	}
	if best == nil {
		return nil, nil
	}

	claim(best, now)
	return best.Clone(), nil
}

// ClaimUnit claims one specific pending unit.
func (m *Store) ClaimUnit(_ context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID.String()]
	if !ok {
		return nil, taskcrew.ErrUnitNotFound
	}
	if u.Status != workunit.StatusPending || u.AvailableAt.After(now) {
		return nil, taskcrew.ErrClaimConflict
	}

	claim(u, now)
	return u.Clone(), nil
}

func claim(u *workunit.WorkUnit, now time.Time) {
	started := now.UTC()
	u.Status = workunit.StatusProcessing
	u.AttemptCount++
	u.StartedAt = &started
	u.HeartbeatAt = copyTime(&started)
	u.UpdatedAt = started
}

// FinishUnit persists the outcome of a claim.
func (m *Store) FinishUnit(_ context.Context, u *workunit.WorkUnit, claimedAttempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.units[u.ID.String()]
	if !ok {
		return taskcrew.ErrUnitNotFound
	}
	if cur.Status != workunit.StatusProcessing || cur.AttemptCount != claimedAttempt {
		return taskcrew.ErrClaimConflict
	}

	cur.Status = u.Status
	cur.Output = workunit.CloneMap(u.Output)
	cur.Error = u.Error
	cur.AttemptCount = u.AttemptCount
	cur.AvailableAt = u.AvailableAt
	cur.CompletedAt = copyTime(u.CompletedAt)
	cur.HeartbeatAt = nil
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// HeartbeatUnit refreshes the heartbeat of a unit held by claimedAttempt.
func (m *Store) HeartbeatUnit(_ context.Context, unitID id.WorkUnitID, claimedAttempt int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID.String()]
	if !ok {
		return taskcrew.ErrUnitNotFound
	}
	if u.Status != workunit.StatusProcessing || u.AttemptCount != claimedAttempt {
		return taskcrew.ErrClaimConflict
	}
	beat := now.UTC()
	u.HeartbeatAt = &beat
	return nil
}

// CancelUnit moves a pending or processing unit to cancelled.
func (m *Store) CancelUnit(_ context.Context, unitID id.WorkUnitID, now time.Time) (*workunit.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID.String()]
	if !ok {
		return nil, taskcrew.ErrUnitNotFound
	}
	if u.Status.IsTerminal() {
		return nil, taskcrew.ErrTerminalState
	}

	done := now.UTC()
	u.Status = workunit.StatusCancelled
	u.HeartbeatAt = nil
	u.CompletedAt = &done
	u.UpdatedAt = done
	return u.Clone(), nil
}

// RecordLateOutput attaches output to a cancelled unit.
func (m *Store) RecordLateOutput(_ context.Context, unitID id.WorkUnitID, output map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[unitID.String()]
	if !ok {
		return taskcrew.ErrUnitNotFound
	}
	if u.Status != workunit.StatusCancelled {
		return taskcrew.ErrInvalidState
	}
	u.Output = workunit.CloneMap(output)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPending returns pending units in serving order.
func (m *Store) ListPending(_ context.Context, opts workunit.ListOpts) ([]*workunit.WorkUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workunit.WorkUnit, 0)
	for _, u := range m.units {
		if u.Status != workunit.StatusPending {
			continue
		}
		if opts.WorkerType != "" && u.WorkerType != opts.WorkerType {
			continue
		}
		result = append(result, u.Clone())
	}

	sort.Slice(result, func(i, k int) bool { return workunit.Less(result[i], result[k]) })

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// RequeueStale returns processing units last seen before cutoff to
// pending, failing those that have no attempts left.
func (m *Store) RequeueStale(_ context.Context, cutoff time.Time) ([]*workunit.WorkUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var requeued []*workunit.WorkUnit
	for _, u := range m.units {
		if u.Status != workunit.StatusProcessing {
			continue
		}
		if seen := u.LastSeen(); seen == nil || !seen.Before(cutoff) {
			continue
		}
		u.HeartbeatAt = nil
		if u.HasAttemptsLeft() {
			u.Status = workunit.StatusPending
			u.Error = ""
			u.AvailableAt = now
		} else {
			u.Status = workunit.StatusFailed
			u.Error = workunit.StaleExhaustedError
			u.CompletedAt = &now
		}
		u.UpdatedAt = now
		requeued = append(requeued, u.Clone())
	}
	return requeued, nil
}

// Stats counts units per status.
func (m *Store) Stats(_ context.Context, workerType string) (workunit.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s workunit.Stats
	for _, u := range m.units {
		if workerType != "" && u.WorkerType != workerType {
			continue
		}
		s.Add(u.Status, 1)
	}
	return s, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
