// Package engine wires all taskcrew subsystems together. It creates the
// extension registry, handler registry, middleware chain, queue backend,
// broadcaster and worker pool, and provides the Register, Enqueue, Cancel
// and query operations.
//
// This package exists to break the import cycle: the root taskcrew package
// defines Entity and the sentinel errors (imported by workunit, queue,
// etc.) and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/taskcrew"
	"github.com/xraph/taskcrew/backoff"
	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/id"
	mw "github.com/xraph/taskcrew/middleware"
	"github.com/xraph/taskcrew/observability"
	"github.com/xraph/taskcrew/queue"
	"github.com/xraph/taskcrew/registry"
	"github.com/xraph/taskcrew/stream"
	"github.com/xraph/taskcrew/worker"
	"github.com/xraph/taskcrew/workunit"
)

const instrumentationName = "github.com/xraph/taskcrew"

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d           *taskcrew.Dispatcher
	config      taskcrew.Config
	store       workunit.Store
	backend     queue.Backend
	dual        *queue.Dual
	extensions  *ext.Registry
	registry    *registry.Registry
	broadcaster *stream.Broadcaster
	limiter     *queue.Limiter
	metrics     *observability.MetricsExtension
	bo          backoff.Strategy
	pool        *worker.Pool
	mws         []mw.Middleware
	logger      *slog.Logger

	// Optional components set by options.
	index          queue.Index
	limits         []queue.Limit
	subjectLimits  []queue.SubjectLimit
	timeout        time.Duration
	timeouts       map[string]time.Duration
	promRegisterer prometheus.Registerer

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain. It runs inside
// the default recover, tracing, metrics, logging and timeout middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, an exponential strategy bounded by the dispatcher's
// BackoffBase and BackoffMax is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithFastIndex enables the dual backend: claims go through index while
// it answers probes and fall back to the durable table otherwise.
func WithFastIndex(index queue.Index) Option {
	return func(eng *Engine) {
		eng.index = index
	}
}

// WithLimits registers per-worker-type rate and concurrency limits.
// Worker types not listed have no limits.
func WithLimits(limits ...queue.Limit) Option {
	return func(eng *Engine) {
		eng.limits = append(eng.limits, limits...)
	}
}

// WithSubjectLimits registers per-subject limits within a worker type.
func WithSubjectLimits(limits ...queue.SubjectLimit) Option {
	return func(eng *Engine) {
		eng.subjectLimits = append(eng.subjectLimits, limits...)
	}
}

// WithTimeouts bounds handler runs. fallback applies to worker types not
// in byWorkerType; zero means no deadline.
func WithTimeouts(fallback time.Duration, byWorkerType map[string]time.Duration) Option {
	return func(eng *Engine) {
		eng.timeout = fallback
		eng.timeouts = byWorkerType
	}
}

// WithPrometheus registers the lifecycle metrics extension and the
// broadcaster gauges on reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(eng *Engine) {
		eng.promRegisterer = reg
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement workunit.Store.
func Build(d *taskcrew.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, taskcrew.ErrNoStore
	}

	ws, ok := store.(workunit.Store)
	if !ok {
		return nil, fmt.Errorf("taskcrew: store does not implement workunit.Store")
	}

	config := d.Config()
	eng := &Engine{
		d:          d,
		config:     config,
		store:      ws,
		extensions: ext.NewRegistry(logger),
		registry:   registry.New(),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.NewExponential(config.BackoffBase, config.BackoffMax)
	}

	// The broadcaster observes the lifecycle through its hooks and carries
	// handler steps through the pool's publisher.
	eng.broadcaster = stream.NewBroadcaster(logger,
		stream.WithBufferSize(config.SubscriberBuffer),
		stream.WithFanOut(config.FanOut),
		stream.WithStreamDefaults(config.StreamChunkSize, config.StreamDelay),
	)
	eng.extensions.Register(eng.broadcaster)

	if eng.promRegisterer != nil {
		eng.metrics = observability.NewMetricsExtension(eng.promRegisterer)
		eng.metrics.WatchBroadcaster(eng.broadcaster)
		eng.extensions.Register(eng.metrics)
	}

	// Select the queue backend.
	if eng.index != nil {
		eng.dual = queue.NewDual(ws, eng.index,
			queue.WithProbeInterval(config.ProbeInterval),
			queue.WithResyncInterval(config.ResyncInterval),
			queue.WithLogger(logger),
			queue.WithHealthHook(func(healthy bool) {
				eng.extensions.EmitBackendHealthChanged(context.Background(), healthy)
			}),
		)
		eng.backend = eng.dual
		d.AddBackground(eng.dual)
	} else {
		eng.backend = queue.NewDurable(ws)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger, eng.timeout, eng.timeouts),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.backend, eng.registry, eng.extensions, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithStaleThreshold(config.StaleThreshold),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithPublisher(eng.broadcaster),
	}

	// Create the limiter if any limits were provided.
	if len(eng.limits) > 0 || len(eng.subjectLimits) > 0 {
		eng.limiter = queue.NewLimiter(eng.limits...)
		for _, sl := range eng.subjectLimits {
			eng.limiter.SetSubjectLimit(sl)
		}
		poolOpts = append(poolOpts, worker.WithLimiter(eng.limiter))
	}

	eng.pool = worker.NewPool(
		eng.backend,
		executor,
		eng.registry,
		eng.extensions,
		logger,
		poolOpts...,
	)

	// Wire back into the Dispatcher.
	d.SetPool(eng.pool)
	d.SetExtensions(eng.extensions)

	return eng, nil
}

// Register installs the handler for workerType. Registration happens once
// at startup; a second handler for the same type fails with
// taskcrew.ErrDuplicateRegistration.
func (eng *Engine) Register(workerType string, h registry.Handler) error {
	return eng.registry.Register(workerType, h)
}

// RegisterTyped installs a handler whose input is decoded into T.
func RegisterTyped[T any](eng *Engine, workerType string, fn func(ctx context.Context, call *registry.Call, in T) (map[string]any, error)) error {
	return registry.RegisterTyped(eng.registry, workerType, fn)
}

// Enqueue creates a pending unit and persists it. A unit for a worker
// type with no handler is persisted directly as failed with
// taskcrew.ErrUnknownWorkerType; its ID is still returned so the failure
// can be inspected.
func (eng *Engine) Enqueue(
	ctx context.Context,
	kind, workerType string,
	priority int,
	input map[string]any,
	opts ...workunit.Option,
) (id.WorkUnitID, error) {
	allOpts := make([]workunit.Option, 0, len(opts)+1)
	allOpts = append(allOpts, workunit.WithMaxAttempts(eng.config.DefaultMaxAttempts))
	allOpts = append(allOpts, opts...)

	u := workunit.New(kind, workerType, priority, input, allOpts...)
	if err := u.Validate(); err != nil {
		return id.Nil, err
	}

	var unknown error
	if !eng.registry.Has(workerType) {
		unknown = fmt.Errorf("%w: %q", taskcrew.ErrUnknownWorkerType, workerType)
		now := time.Now().UTC()
		u.Status = workunit.StatusFailed
		u.Error = unknown.Error()
		u.CompletedAt = &now
	}

	if err := eng.backend.Enqueue(ctx, u); err != nil {
		return id.Nil, err
	}

	eng.extensions.EmitUnitEnqueued(ctx, u)
	if unknown != nil {
		eng.logger.Warn("unit enqueued for unknown worker type",
			slog.String("unit_id", u.ID.String()),
			slog.String("worker_type", workerType),
		)
		eng.extensions.EmitUnitFailed(ctx, u, unknown)
	}
	return u.ID, nil
}

// Cancel moves a pending or processing unit to cancelled. A running
// handler is not interrupted; its Call.Cancelled flag flips so it can stop
// cooperatively. Cancelling a terminal unit fails with
// taskcrew.ErrTerminalState.
func (eng *Engine) Cancel(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	u, err := eng.backend.Cancel(ctx, unitID)
	if err != nil {
		return nil, err
	}
	eng.pool.Cancel(unitID)
	eng.extensions.EmitUnitCancelled(ctx, u)
	return u, nil
}

// Get returns a snapshot of the unit.
func (eng *Engine) Get(ctx context.Context, unitID id.WorkUnitID) (*workunit.WorkUnit, error) {
	return eng.backend.Get(ctx, unitID)
}

// Stats counts units per status, for one worker type or all when empty.
func (eng *Engine) Stats(ctx context.Context, workerType string) (workunit.Stats, error) {
	return eng.backend.Stats(ctx, workerType)
}

// Subscribe observes step events on topics: worker types or the wildcard
// "all". No topics means the wildcard.
func (eng *Engine) Subscribe(topics ...string) (*stream.Subscription, error) {
	return eng.broadcaster.Subscribe(topics...)
}

// Unsubscribe removes sub and closes its channel.
func (eng *Engine) Unsubscribe(sub *stream.Subscription) {
	eng.broadcaster.Unsubscribe(sub)
}

// Stream replays content to the request's observers in chunks.
func (eng *Engine) Stream(ctx context.Context, req stream.StreamRequest) error {
	return eng.broadcaster.Stream(ctx, req)
}

// Healthy reports whether the fast backend is in use. It is always false
// without a fast index.
func (eng *Engine) Healthy() bool { return eng.backend.Healthy() }

// Start begins unit processing: the dual backend's probe loop (when
// configured), stale-claim recovery and the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.d.Start(ctx)
}

// Stop gracefully shuts down the engine. Active units get until the
// context deadline to finish; then their contexts are cancelled.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.d.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the handler registry.
func (eng *Engine) Registry() *registry.Registry { return eng.registry }

// Broadcaster returns the step-event broadcaster.
func (eng *Engine) Broadcaster() *stream.Broadcaster { return eng.broadcaster }

// Backend returns the active queue backend strategy.
func (eng *Engine) Backend() queue.Backend { return eng.backend }

// Dual returns the dual backend, or nil without a fast index.
func (eng *Engine) Dual() *queue.Dual { return eng.dual }

// Limiter returns the limiter, or nil if no limits were provided.
func (eng *Engine) Limiter() *queue.Limiter { return eng.limiter }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *taskcrew.Dispatcher { return eng.d }
