package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/workunit"
)

var _ Backend = (*Dual)(nil)

// DualOption configures a Dual backend.
type DualOption func(*Dual)

// WithProbeInterval sets how often the fast index is pinged.
func WithProbeInterval(d time.Duration) DualOption {
	return func(b *Dual) { b.probeInterval = d }
}

// WithResyncInterval sets how often pending units are re-indexed while the
// fast path is healthy. Zero disables periodic resync.
func WithResyncInterval(d time.Duration) DualOption {
	return func(b *Dual) { b.resyncInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DualOption {
	return func(b *Dual) { b.logger = l }
}

// WithHealthHook registers fn to run on every fast-path health change.
func WithHealthHook(fn func(healthy bool)) DualOption {
	return func(b *Dual) { b.onHealth = append(b.onHealth, fn) }
}

// Dual prefers the Fast backend and falls back to Durable whenever the
// fast index is unreachable. Both share one durable table, so switching
// never loses a unit.
type Dual struct {
	fast    *Fast
	durable *Durable
	logger  *slog.Logger

	probeInterval  time.Duration
	resyncInterval time.Duration
	onHealth       []func(bool)

	healthy atomic.Bool
	probeMu sync.Mutex

	stopCh chan struct{}
	done   chan struct{}
}

// NewDual builds the dual backend over store and index. The fast path
// stays off until the first successful Probe.
func NewDual(store workunit.Store, index Index, opts ...DualOption) *Dual {
	d := &Dual{
		durable:        NewDurable(store),
		logger:         slog.Default(),
		probeInterval:  5 * time.Second,
		resyncInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.fast = NewFast(store, index, d.logger)
	return d
}

// Healthy reports whether the fast path is in use.
func (d *Dual) Healthy() bool { return d.healthy.Load() }

// active returns the backend calls should go to.
func (d *Dual) active() Backend {
	if d.healthy.Load() {
		return d.fast
	}
	return d.durable
}

// markDown switches to the durable path after a fast-path failure.
func (d *Dual) markDown(op string, err error) {
	if d.healthy.CompareAndSwap(true, false) {
		d.logger.Warn("fast backend unavailable, falling back to durable table",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		d.notify(false)
	}
}

func (d *Dual) notify(healthy bool) {
	for _, fn := range d.onHealth {
		fn(healthy)
	}
}

// Probe pings the fast index once. On recovery it re-indexes every pending
// unit before enabling the fast path, so units enqueued during the outage
// are served in order. It returns the resulting health.
func (d *Dual) Probe(ctx context.Context) bool {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()

	if err := d.fast.Ping(ctx); err != nil {
		d.markDown("probe", err)
		return false
	}
	if d.healthy.Load() {
		return true
	}

	n, err := d.fast.Resync(ctx)
	if err != nil {
		d.logger.Warn("fast backend resync failed", slog.String("error", err.Error()))
		return false
	}
	if d.healthy.CompareAndSwap(false, true) {
		d.logger.Info("fast backend available", slog.Int("resynced", n))
		d.notify(true)
	}
	return true
}

// Resync re-indexes pending units while healthy.
func (d *Dual) Resync(ctx context.Context) {
	if !d.healthy.Load() {
		return
	}
	if _, err := d.fast.Resync(ctx); err != nil {
		d.markDown("resync", err)
	}
}

// Start probes once and then runs the probe and resync loops until Stop.
func (d *Dual) Start(ctx context.Context) error {
	d.stopCh = make(chan struct{})
	d.done = make(chan struct{})

	d.Probe(ctx)

	go d.loop()
	return nil
}

// Stop ends the background loops.
func (d *Dual) Stop(ctx context.Context) error {
	if d.stopCh == nil {
		return nil
	}
	close(d.stopCh)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dual) loop() {
	defer close(d.done)

	probe := time.NewTicker(d.probeInterval)
	defer probe.Stop()

	var resync <-chan time.Time
	if d.resyncInterval > 0 {
		t := time.NewTicker(d.resyncInterval)
		defer t.Stop()
		resync = t.C
	}

	for {
		select {
		case <-d.stopCh:
			return
		case <-probe.C:
			d.withTimeout(func(ctx context.Context) { d.Probe(ctx) })
		case <-resync:
			d.withTimeout(d.Resync)
		}
	}
}

func (d *Dual) withTimeout(fn func(ctx context.Context)) {
	timeout := d.probeInterval
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fn(ctx)
}

// ──────────────────────────────────────────────────
// Backend
// ──────────────────────────────────────────────────

// Enqueue persists the unit. If only the indexing failed the unit is
// already durable, so the call succeeds and the next resync indexes it.
func (d *Dual) Enqueue(ctx context.Context, u *workunit.WorkUnit) error {
	err := d.active().Enqueue(ctx, u)
	if IsUnavailable(err) {
		d.markDown("enqueue", err)
		return nil
	}
	return err
}

// Claim claims through the index when healthy and from the durable table
// otherwise, including when the index fails mid-call.
func (d *Dual) Claim(ctx context.Context, workerTypes []string) (*workunit.WorkUnit, error) {
	if d.healthy.Load() {
		u, err := d.fast.Claim(ctx, workerTypes)
		if !IsUnavailable(err) {
			return u, err
		}
		d.markDown("claim", err)
	}
	return d.durable.Claim(ctx, workerTypes)
}

// Complete acks a claim.
func (d *Dual) Complete(ctx context.Context, claimed *workunit.WorkUnit, output map[string]any) error {
	return d.durable.Complete(ctx, claimed, output)
}

// Fail finalizes a claim as failed.
func (d *Dual) Fail(ctx context.Context, claimed *workunit.WorkUnit, cause error) error {
	return d.durable.Fail(ctx, claimed, cause)
}

// Reject fails a claim and refunds its attempt.
func (d *Dual) Reject(ctx context.Context, claimed *workunit.WorkUnit, cause error) error {
	return d.durable.Reject(ctx, claimed, cause)
}

// Requeue returns a claim to pending at availableAt.
func (d *Dual) Requeue(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time, cause error) error {
	return d.tolerate("requeue", d.active().Requeue(ctx, claimed, availableAt, cause))
}

// Release returns a claim to pending and refunds its attempt.
func (d *Dual) Release(ctx context.Context, claimed *workunit.WorkUnit, availableAt time.Time) error {
	return d.tolerate("release", d.active().Release(ctx, claimed, availableAt))
}

// Heartbeat refreshes the claim's lease on the durable table.
func (d *Dual) Heartbeat(ctx context.Context, claimed *workunit.WorkUnit) error {
	return d.durable.Heartbeat(ctx, claimed)
}

// Cancel moves a non-terminal unit to cancelled.
func (d *Dual) Cancel(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	u, err := d.active().Cancel(ctx, unitID)
	return u, d.tolerate("cancel", err)
}

// RecordLateOutput keeps a result that finished after a cancel.
func (d *Dual) RecordLateOutput(ctx context.Context, unitID id.WorkUnitID, output map[string]any) error {
	return d.durable.RecordLateOutput(ctx, unitID, output)
}

// Get returns a unit snapshot.
func (d *Dual) Get(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	return d.durable.Get(ctx, unitID)
}

// Stats counts units per status.
func (d *Dual) Stats(ctx context.Context, workerType string) (workunit.Stats, error) {
	return d.durable.Stats(ctx, workerType)
}

// RecoverStale requeues lost claims.
func (d *Dual) RecoverStale(ctx context.Context, threshold time.Duration) ([]*workunit.WorkUnit, error) {
	units, err := d.active().RecoverStale(ctx, threshold)
	return units, d.tolerate("recover", err)
}

// tolerate swallows index failures that happen after the durable write
// succeeded, switching to the durable path.
func (d *Dual) tolerate(op string, err error) error {
	if IsUnavailable(err) {
		d.markDown(op, err)
		return nil
	}
	return err
}
