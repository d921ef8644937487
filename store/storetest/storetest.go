// Package storetest is a conformance suite every workunit.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

// Factory returns a fresh, migrated, empty store for one subtest.
type Factory func(t *testing.T) workunit.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s workunit.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"GetMissing", testGetMissing},
		{"ClaimOrdering", testClaimOrdering},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimRespectsAvailableAt", testClaimRespectsAvailableAt},
		{"ClaimFiltersWorkerTypes", testClaimFiltersWorkerTypes},
		{"ClaimExclusive", testClaimExclusive},
		{"ClaimUnit", testClaimUnit},
		{"FinishFencing", testFinishFencing},
		{"FinishRequeue", testFinishRequeue},
		{"CancelPending", testCancelPending},
		{"CancelRunningThenFinish", testCancelRunningThenFinish},
		{"CancelTerminal", testCancelTerminal},
		{"ListPending", testListPending},
		{"RequeueStale", testRequeueStale},
		{"HeartbeatKeepsClaim", testHeartbeatKeepsClaim},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewUnit builds a pending unit created at the given offset from base so
// FIFO order is deterministic across backends.
func NewUnit(workerType string, priority int, base time.Time, offset time.Duration) *workunit.WorkUnit {
	u := workunit.New("test", workerType, priority, map[string]any{"n": float64(offset / time.Millisecond)})
	u.CreatedAt = base.Add(offset)
	u.UpdatedAt = u.CreatedAt
	u.AvailableAt = base.Add(-time.Second)
	return u
}

func insert(t *testing.T, s workunit.Store, units ...*workunit.WorkUnit) {
	t.Helper()
	for _, u := range units {
		if err := s.InsertUnit(context.Background(), u); err != nil {
			t.Fatalf("insert %s: %v", u.ID, err)
		}
	}
}

func mustClaim(t *testing.T, s workunit.Store, types []string, now time.Time) *workunit.WorkUnit {
	t.Helper()
	u, err := s.ClaimNext(context.Background(), types, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if u == nil {
		t.Fatal("claim: expected a unit, got nil")
	}
	return u
}

func testInsertAndGet(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	parent := id.NewWorkUnitID()

	u := NewUnit("analyst", 2, base, 0)
	u.SubjectRef = "cust-1"
	u.ParentRef = parent
	u.Input = map[string]any{"lead": "l-1", "nested": map[string]any{"k": "v"}}
	insert(t, s, u)

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID.String() != u.ID.String() {
		t.Errorf("id = %s, want %s", got.ID, u.ID)
	}
	if got.Kind != "test" || got.WorkerType != "analyst" || got.Priority != 2 {
		t.Errorf("unexpected routing fields: %+v", got)
	}
	if got.Status != workunit.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.SubjectRef != "cust-1" || got.ParentRef.String() != parent.String() {
		t.Errorf("refs = %q %q", got.SubjectRef, got.ParentRef)
	}
	if got.Input["lead"] != "l-1" {
		t.Errorf("input = %v", got.Input)
	}
	if nested, ok := got.Input["nested"].(map[string]any); !ok || nested["k"] != "v" {
		t.Errorf("nested input = %v", got.Input["nested"])
	}
	if got.MaxAttempts != u.MaxAttempts || got.AttemptCount != 0 {
		t.Errorf("attempts = %d/%d", got.AttemptCount, got.MaxAttempts)
	}

	if err := s.InsertUnit(ctx, u); !errors.Is(err, taskcrew.ErrUnitAlreadyExists) {
		t.Errorf("duplicate insert: expected ErrUnitAlreadyExists, got %v", err)
	}
}

func testGetMissing(t *testing.T, s workunit.Store) {
	_, err := s.GetUnit(context.Background(), id.NewWorkUnitID())
	if !errors.Is(err, taskcrew.ErrUnitNotFound) {
		t.Fatalf("expected ErrUnitNotFound, got %v", err)
	}
}

func testClaimOrdering(t *testing.T, s workunit.Store) {
	base := time.Now().UTC().Truncate(time.Millisecond)

	// Inserted out of order on purpose.
	lowLate := NewUnit("analyst", 5, base, 3*time.Millisecond)
	high := NewUnit("analyst", 1, base, 2*time.Millisecond)
	lowEarly := NewUnit("analyst", 5, base, 1*time.Millisecond)
	highest := NewUnit("analyst", 0, base, 4*time.Millisecond)
	insert(t, s, lowLate, high, lowEarly, highest)

	want := []*workunit.WorkUnit{highest, high, lowEarly, lowLate}
	now := time.Now().UTC()
	for i, w := range want {
		got := mustClaim(t, s, []string{"analyst"}, now)
		if got.ID.String() != w.ID.String() {
			t.Fatalf("claim %d: got %s (priority %d), want %s (priority %d)", i, got.ID, got.Priority, w.ID, w.Priority)
		}
		if got.Status != workunit.StatusProcessing {
			t.Errorf("claim %d: status = %s", i, got.Status)
		}
		if got.AttemptCount != 1 {
			t.Errorf("claim %d: attempt count = %d, want 1", i, got.AttemptCount)
		}
		if got.StartedAt == nil {
			t.Errorf("claim %d: StartedAt not set", i)
		}
		if got.HeartbeatAt == nil {
			t.Errorf("claim %d: HeartbeatAt not set", i)
		}
	}
}

func testClaimEmpty(t *testing.T, s workunit.Store) {
	u, err := s.ClaimNext(context.Background(), []string{"analyst"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil unit, got %s", u.ID)
	}
}

func testClaimRespectsAvailableAt(t *testing.T, s workunit.Store) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	u := NewUnit("analyst", 0, base, 0)
	u.AvailableAt = base.Add(time.Hour)
	insert(t, s, u)

	got, err := s.ClaimNext(context.Background(), []string{"analyst"}, base)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatal("claimed a unit before its AvailableAt")
	}

	got = mustClaim(t, s, []string{"analyst"}, base.Add(2*time.Hour))
	if got.ID.String() != u.ID.String() {
		t.Errorf("claimed %s, want %s", got.ID, u.ID)
	}
}

func testClaimFiltersWorkerTypes(t *testing.T, s workunit.Store) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	sales := NewUnit("sales", 0, base, 0)
	insert(t, s, sales)

	got, err := s.ClaimNext(context.Background(), []string{"analyst"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != nil {
		t.Fatalf("claimed %s for the wrong worker type", got.WorkerType)
	}

	got = mustClaim(t, s, []string{"analyst", "sales"}, time.Now().UTC())
	if got.ID.String() != sales.ID.String() {
		t.Errorf("claimed %s, want %s", got.ID, sales.ID)
	}
}

func testClaimExclusive(t *testing.T, s workunit.Store) {
	const units, workers = 20, 8
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := range units {
		insert(t, s, NewUnit("analyst", 0, base, time.Duration(i)*time.Millisecond))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	now := time.Now().UTC()
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				u, err := s.ClaimNext(context.Background(), []string{"analyst"}, now)
				if err != nil {
					errs <- err
					return
				}
				if u == nil {
					return
				}
				mu.Lock()
				claimed[u.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent claim: %v", err)
	}
	if len(claimed) != units {
		t.Fatalf("claimed %d distinct units, want %d", len(claimed), units)
	}
	for unitID, n := range claimed {
		if n != 1 {
			t.Errorf("unit %s claimed %d times", unitID, n)
		}
	}
}

func testClaimUnit(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	u := NewUnit("analyst", 0, base, 0)
	insert(t, s, u)

	got, err := s.ClaimUnit(ctx, u.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim unit: %v", err)
	}
	if got.Status != workunit.StatusProcessing || got.AttemptCount != 1 {
		t.Errorf("claimed unit = %s/%d", got.Status, got.AttemptCount)
	}

	if _, err := s.ClaimUnit(ctx, u.ID, time.Now().UTC()); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Errorf("second claim: expected ErrClaimConflict, got %v", err)
	}
	if _, err := s.ClaimUnit(ctx, id.NewWorkUnitID(), time.Now().UTC()); !errors.Is(err, taskcrew.ErrUnitNotFound) {
		t.Errorf("missing claim: expected ErrUnitNotFound, got %v", err)
	}
}

func testFinishFencing(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	insert(t, s, NewUnit("analyst", 0, base, 0))

	u := mustClaim(t, s, []string{"analyst"}, time.Now().UTC())
	claimed := u.AttemptCount

	done := time.Now().UTC()
	u.Status = workunit.StatusCompleted
	u.Output = map[string]any{"score": float64(87)}
	u.CompletedAt = &done

	if err := s.FinishUnit(ctx, u, claimed+1); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Fatalf("stale attempt: expected ErrClaimConflict, got %v", err)
	}
	if err := s.FinishUnit(ctx, u, claimed); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := s.FinishUnit(ctx, u, claimed); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Fatalf("double finish: expected ErrClaimConflict, got %v", err)
	}

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workunit.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Output["score"] != float64(87) {
		t.Errorf("output = %v", got.Output)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func testFinishRequeue(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	insert(t, s, NewUnit("analyst", 0, base, 0))

	u := mustClaim(t, s, []string{"analyst"}, time.Now().UTC())
	claimed := u.AttemptCount
	retryAt := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	u.Status = workunit.StatusPending
	u.Error = "boom"
	u.AvailableAt = retryAt
	if err := s.FinishUnit(ctx, u, claimed); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if got, _ := s.ClaimNext(ctx, []string{"analyst"}, time.Now().UTC()); got != nil {
		t.Fatal("requeued unit claimable before its backoff elapsed")
	}

	again := mustClaim(t, s, []string{"analyst"}, retryAt.Add(time.Second))
	if again.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", again.AttemptCount)
	}
}

func testCancelPending(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	u := NewUnit("analyst", 0, base, 0)
	insert(t, s, u)

	got, err := s.CancelUnit(ctx, u.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != workunit.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if c, _ := s.ClaimNext(ctx, []string{"analyst"}, time.Now().UTC()); c != nil {
		t.Error("cancelled unit was claimed")
	}
	if _, err := s.CancelUnit(ctx, id.NewWorkUnitID(), time.Now().UTC()); !errors.Is(err, taskcrew.ErrUnitNotFound) {
		t.Errorf("cancel missing: expected ErrUnitNotFound, got %v", err)
	}
}

func testCancelRunningThenFinish(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	insert(t, s, NewUnit("analyst", 0, base, 0))

	u := mustClaim(t, s, []string{"analyst"}, time.Now().UTC())
	if _, err := s.CancelUnit(ctx, u.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	u.Status = workunit.StatusCompleted
	u.Output = map[string]any{"late": true}
	if err := s.FinishUnit(ctx, u, u.AttemptCount); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Fatalf("finish after cancel: expected ErrClaimConflict, got %v", err)
	}
	if err := s.RecordLateOutput(ctx, u.ID, u.Output); err != nil {
		t.Fatalf("record late output: %v", err)
	}

	got, err := s.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workunit.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.Output["late"] != true {
		t.Errorf("late output = %v", got.Output)
	}
}

func testCancelTerminal(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	insert(t, s, NewUnit("analyst", 0, base, 0))

	u := mustClaim(t, s, []string{"analyst"}, time.Now().UTC())
	u.Status = workunit.StatusFailed
	u.Error = "permanent"
	if err := s.FinishUnit(ctx, u, u.AttemptCount); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := s.CancelUnit(ctx, u.ID, time.Now().UTC()); !errors.Is(err, taskcrew.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if err := s.RecordLateOutput(ctx, u.ID, map[string]any{"x": 1}); !errors.Is(err, taskcrew.ErrInvalidState) {
		t.Errorf("late output on failed unit: expected ErrInvalidState, got %v", err)
	}
}

func testListPending(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	b := NewUnit("analyst", 3, base, 1*time.Millisecond)
	a := NewUnit("analyst", 1, base, 2*time.Millisecond)
	c := NewUnit("analyst", 3, base, 3*time.Millisecond)
	other := NewUnit("sales", 0, base, 4*time.Millisecond)
	insert(t, s, c, other, b, a)

	got, err := s.ListPending(ctx, workunit.ListOpts{WorkerType: "analyst"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []*workunit.WorkUnit{a, b, c}
	if len(got) != len(want) {
		t.Fatalf("listed %d units, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i].ID.String() {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want[i].ID)
		}
	}

	limited, err := s.ListPending(ctx, workunit.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited list = %d units, want 2", len(limited))
	}

	all, err := s.ListPending(ctx, workunit.ListOpts{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("full list = %d units, want 4", len(all))
	}
}

func testRequeueStale(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	retryable := NewUnit("analyst", 0, base, 0)
	exhausted := NewUnit("analyst", 1, base, time.Millisecond)
	exhausted.MaxAttempts = 1
	longAgo := time.Now().UTC().Add(-time.Hour)
	retryable.AvailableAt = longAgo.Add(-time.Hour)
	exhausted.AvailableAt = longAgo.Add(-time.Hour)
	insert(t, s, retryable, exhausted)

	mustClaim(t, s, []string{"analyst"}, longAgo)
	mustClaim(t, s, []string{"analyst"}, longAgo)

	affected, err := s.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("affected %d units, want 2", len(affected))
	}

	got, _ := s.GetUnit(ctx, retryable.ID)
	if got.Status != workunit.StatusPending {
		t.Errorf("retryable status = %s, want pending", got.Status)
	}
	if got.Error != "" || got.HeartbeatAt != nil {
		t.Errorf("requeued unit kept error %q, heartbeat %v", got.Error, got.HeartbeatAt)
	}
	got, _ = s.GetUnit(ctx, exhausted.ID)
	if got.Status != workunit.StatusFailed || got.Error != workunit.StaleExhaustedError {
		t.Errorf("exhausted = %s %q, want failed with stale error", got.Status, got.Error)
	}

	// A fresh claim is not stale.
	mustClaim(t, s, []string{"analyst"}, time.Now().UTC())
	affected, err = s.RequeueStale(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(affected) != 0 {
		t.Errorf("requeued %d fresh claims", len(affected))
	}
}

func testHeartbeatKeepsClaim(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	u := NewUnit("analyst", 0, base, 0)
	longAgo := time.Now().UTC().Add(-time.Hour)
	u.AvailableAt = longAgo.Add(-time.Hour)
	insert(t, s, u)

	claimed := mustClaim(t, s, []string{"analyst"}, longAgo)

	if err := s.HeartbeatUnit(ctx, claimed.ID, claimed.AttemptCount+1, time.Now().UTC()); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Errorf("heartbeat with wrong attempt: err = %v, want ErrClaimConflict", err)
	}
	if err := s.HeartbeatUnit(ctx, id.NewWorkUnitID(), 1, time.Now().UTC()); !errors.Is(err, taskcrew.ErrUnitNotFound) {
		t.Errorf("heartbeat missing unit: err = %v, want ErrUnitNotFound", err)
	}

	beat := time.Now().UTC()
	if err := s.HeartbeatUnit(ctx, claimed.ID, claimed.AttemptCount, beat); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// Started an hour ago but heartbeated just now: not stale.
	affected, err := s.RequeueStale(ctx, beat.Add(-time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("requeued %d units with a fresh heartbeat", len(affected))
	}

	got, err := s.GetUnit(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != workunit.StatusProcessing || got.AttemptCount != 1 {
		t.Errorf("got %s attempt %d, want processing attempt 1", got.Status, got.AttemptCount)
	}
	if got.HeartbeatAt == nil || got.HeartbeatAt.Before(beat.Add(-time.Millisecond)) {
		t.Errorf("HeartbeatAt = %v, want about %v", got.HeartbeatAt, beat)
	}

	// Once the heartbeat goes quiet the claim is stale again.
	affected, err = s.RequeueStale(ctx, beat.Add(time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if len(affected) != 1 {
		t.Fatalf("requeued %d units, want 1", len(affected))
	}
	if err := s.HeartbeatUnit(ctx, claimed.ID, claimed.AttemptCount, time.Now().UTC()); !errors.Is(err, taskcrew.ErrClaimConflict) {
		t.Errorf("heartbeat after requeue: err = %v, want ErrClaimConflict", err)
	}
}

func testStats(t *testing.T, s workunit.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	insert(t, s,
		NewUnit("analyst", 0, base, 0),
		NewUnit("analyst", 0, base, time.Millisecond),
		NewUnit("sales", 0, base, 2*time.Millisecond),
	)
	mustClaim(t, s, []string{"analyst"}, time.Now().UTC())

	all, err := s.Stats(ctx, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if all.Pending != 2 || all.Processing != 1 || all.Total() != 3 {
		t.Errorf("all stats = %+v", all)
	}

	analyst, err := s.Stats(ctx, "analyst")
	if err != nil {
		t.Fatalf("stats analyst: %v", err)
	}
	if analyst.Pending != 1 || analyst.Processing != 1 {
		t.Errorf("analyst stats = %+v", analyst)
	}
}
