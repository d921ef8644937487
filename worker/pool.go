package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/queue"
	"github.com/xraph/taskcrew/registry"
	"github.com/xraph/taskcrew/workunit"
)

// Limiter gates claimed units by worker type and subject. The pool calls
// Acquire after a claim and Release after execution completes.
type Limiter interface {
	// Acquire reports whether the unit may run now.
	Acquire(workerType, subjectRef string) bool
	// Release frees the slot taken by Acquire.
	Release(workerType, subjectRef string)
}

// Publisher carries handler step events to observers.
type Publisher interface {
	// Step publishes one event for the unit. It never blocks on observers.
	Step(u *workunit.WorkUnit, kind string, payload map[string]any)
	// StreamUnit replays content as start, content, and end events.
	StreamUnit(ctx context.Context, u *workunit.WorkUnit, title, content string) error
}

type activeUnit struct {
	unit   *workunit.WorkUnit
	call   *registry.Call
	cancel context.CancelFunc
}

// Pool manages a fixed set of goroutines that claim units over every
// registered worker type and execute them through the Executor.
type Pool struct {
	backend      queue.Backend
	executor     *Executor
	registry     *registry.Registry
	extensions   *ext.Registry
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Stale claim recovery; zero disables it and the heartbeat with it.
	staleThreshold    time.Duration
	heartbeatInterval time.Duration

	limiter   Limiter
	publisher Publisher

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
	active   map[string]*activeUnit
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits before claiming again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithStaleThreshold sets how long a claim may go without a heartbeat
// before recovery presumes it lost. Recovery runs on Start and then every
// threshold.
func WithStaleThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleThreshold = d }
}

// WithHeartbeatInterval sets how often the pool refreshes the lease of
// every unit it is executing. Values that are zero or not below the stale
// threshold fall back to a third of the threshold.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithLimiter sets per-worker-type rate and concurrency limits.
func WithLimiter(l Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithPublisher routes Call.Emit and Call.Stream to observers.
func WithPublisher(pub Publisher) PoolOption {
	return func(p *Pool) { p.publisher = pub }
}

// NewPool creates a worker pool.
func NewPool(
	backend queue.Backend,
	executor *Executor,
	reg *registry.Registry,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		backend:      backend,
		executor:     executor,
		registry:     reg,
		extensions:   extensions,
		concurrency:  10,
		pollInterval: 500 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]*activeUnit),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.staleThreshold > 0 && (p.heartbeatInterval <= 0 || p.heartbeatInterval >= p.staleThreshold) {
		p.heartbeatInterval = p.staleThreshold / 3
	}
	return p
}

// WorkerID returns the pool's unique identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start recovers stale claims once and launches the worker goroutines.
// It returns immediately after that. A stopped pool cannot be restarted.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("worker_types", p.registry.WorkerTypes()),
	)

	if p.staleThreshold > 0 {
		p.recoverStale(ctx)
		p.wg.Add(2)
		go p.recoveryLoop()
		go p.heartbeatLoop()
	}

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for active units to finish.
// If ctx ends first, active handler contexts are cancelled and Stop waits
// for their outcomes to be persisted.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active units")
		p.cancelActive()
		<-done
	}

	return nil
}

// Cancel flips the cooperative cancel flag of a unit running in this
// pool. It reports whether the unit was running here.
func (p *Pool) Cancel(unitID id.WorkUnitID) bool {
	p.activeMu.Lock()
	a, ok := p.active[unitID.String()]
	p.activeMu.Unlock()
	if ok {
		a.call.MarkCancelled()
	}
	return ok
}

// ActiveCount returns the number of units currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.runOnce() {
			p.sleep()
		}
	}
}

// runOnce claims and executes at most one unit. It reports whether a
// unit was executed, so the caller knows whether to back off.
func (p *Pool) runOnce() bool {
	ctx := context.Background()

	workerTypes := p.registry.WorkerTypes()
	if len(workerTypes) == 0 {
		return false
	}

	u, err := p.backend.Claim(ctx, workerTypes)
	if err != nil {
		p.logger.Error("claim error", slog.String("error", err.Error()))
		return false
	}
	if u == nil {
		return false
	}

	if p.limiter != nil && !p.limiter.Acquire(u.WorkerType, u.SubjectRef) {
		// Rate limited: hand the unit back without consuming its attempt.
		if relErr := p.backend.Release(ctx, u, time.Now().UTC().Add(p.pollInterval)); relErr != nil {
			p.logger.Error("failed to release rate-limited unit",
				slog.String("unit_id", u.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
		return false
	}
	if p.limiter != nil {
		defer p.limiter.Release(u.WorkerType, u.SubjectRef)
	}

	p.extensions.EmitUnitStarted(ctx, u)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := registry.NewCall(u, p.emitFor(u), p.streamFor(u))
	key := u.ID.String()
	p.track(key, &activeUnit{unit: u.Clone(), call: call, cancel: cancel})
	defer p.untrack(key)

	// A cancel that landed between the claim and track found nothing to
	// flag in this pool.
	if cur, getErr := p.backend.Get(ctx, u.ID); getErr == nil && cur.Status == workunit.StatusCancelled {
		call.MarkCancelled()
	}

	outcome, execErr := p.executor.Execute(runCtx, u, call)
	if execErr != nil {
		p.logger.Error("unit outcome not persisted",
			slog.String("unit_id", key),
			slog.Int("outcome", int(outcome)),
			slog.String("error", execErr.Error()),
		)
	}
	return true
}

func (p *Pool) emitFor(u *workunit.WorkUnit) registry.EmitFunc {
	if p.publisher == nil {
		return nil
	}
	snap := u.Clone()
	return func(kind string, payload map[string]any) {
		p.publisher.Step(snap, kind, payload)
	}
}

func (p *Pool) streamFor(u *workunit.WorkUnit) registry.StreamFunc {
	if p.publisher == nil {
		return nil
	}
	snap := u.Clone()
	return func(ctx context.Context, title, content string) error {
		return p.publisher.StreamUnit(ctx, snap, title, content)
	}
}

// heartbeatLoop periodically extends the lease of every active unit.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats(context.Background())
		}
	}
}

func (p *Pool) sendHeartbeats(ctx context.Context) {
	p.activeMu.Lock()
	units := make([]*activeUnit, 0, len(p.active))
	for _, a := range p.active {
		units = append(units, a)
	}
	p.activeMu.Unlock()

	for _, a := range units {
		err := p.backend.Heartbeat(ctx, a.unit)
		if err == nil {
			continue
		}
		if errors.Is(err, taskcrew.ErrClaimConflict) {
			if cur, getErr := p.backend.Get(ctx, a.unit.ID); getErr == nil && cur.Status == workunit.StatusCancelled {
				a.call.MarkCancelled()
				continue
			}
		}
		p.logger.Warn("heartbeat failed",
			slog.String("unit_id", a.unit.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// recoveryLoop periodically requeues claims presumed lost.
func (p *Pool) recoveryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.recoverStale(context.Background())
		}
	}
}

func (p *Pool) recoverStale(ctx context.Context) {
	recovered, err := p.backend.RecoverStale(ctx, p.staleThreshold)
	if err != nil {
		p.logger.Error("stale recovery error", slog.String("error", err.Error()))
		return
	}

	for _, u := range recovered {
		if u.Status == workunit.StatusFailed {
			p.logger.Warn("stale unit out of attempts",
				slog.String("unit_id", u.ID.String()),
				slog.String("worker_type", u.WorkerType),
			)
			p.extensions.EmitUnitFailed(ctx, u, errors.New(u.Error))
			continue
		}
		p.logger.Info("requeued stale unit",
			slog.String("unit_id", u.ID.String()),
			slog.String("worker_type", u.WorkerType),
			slog.Int("attempt", u.AttemptCount),
		)
	}
}

func (p *Pool) sleep() {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stopCh:
	}
}

func (p *Pool) track(key string, a *activeUnit) {
	p.activeMu.Lock()
	p.active[key] = a
	p.activeMu.Unlock()
}

func (p *Pool) untrack(key string) {
	p.activeMu.Lock()
	delete(p.active, key)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for key, a := range p.active {
		p.logger.Warn("cancelling active unit", slog.String("unit_id", key))
		a.cancel()
	}
}
