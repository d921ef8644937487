package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xraph/taskcrew/ext"
	"github.com/xraph/taskcrew/stream"
	"github.com/xraph/taskcrew/workunit"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*MetricsExtension)(nil)
	_ ext.UnitEnqueued         = (*MetricsExtension)(nil)
	_ ext.UnitCompleted        = (*MetricsExtension)(nil)
	_ ext.UnitFailed           = (*MetricsExtension)(nil)
	_ ext.UnitRetrying         = (*MetricsExtension)(nil)
	_ ext.UnitCancelled        = (*MetricsExtension)(nil)
	_ ext.BackendHealthChanged = (*MetricsExtension)(nil)
)

// Namespace prefixes every metric name.
const Namespace = "taskcrew"

// MetricsExtension records lifecycle metrics into a Prometheus registry.
// Register it as an extension to track enqueue rates, completions,
// failures, retries, cancellations, and fast backend liveness.
type MetricsExtension struct {
	UnitsEnqueued  *prometheus.CounterVec
	UnitsCompleted *prometheus.CounterVec
	UnitsFailed    *prometheus.CounterVec
	UnitsRetried   *prometheus.CounterVec
	UnitsCancelled *prometheus.CounterVec
	UnitDuration   *prometheus.HistogramVec
	FastBackendUp  prometheus.Gauge

	factory promauto.Factory
}

// NewMetricsExtension creates a MetricsExtension whose collectors are
// registered with reg. A nil reg creates unregistered collectors.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	f := promauto.With(reg)
	byWorkerType := []string{"worker_type"}

	return &MetricsExtension{
		UnitsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_enqueued_total",
			Help:      "Total number of work units enqueued.",
		}, byWorkerType),
		UnitsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_completed_total",
			Help:      "Total number of work units completed.",
		}, byWorkerType),
		UnitsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_failed_total",
			Help:      "Total number of work units that failed terminally.",
		}, byWorkerType),
		UnitsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_retried_total",
			Help:      "Total number of attempts requeued with backoff.",
		}, byWorkerType),
		UnitsCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "units_cancelled_total",
			Help:      "Total number of work units cancelled.",
		}, byWorkerType),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "unit_duration_seconds",
			Help:      "Handler time of successful attempts.",
			Buckets:   prometheus.DefBuckets,
		}, byWorkerType),
		FastBackendUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fast_backend_up",
			Help:      "Whether the fast queue backend is reachable. 1 if up, 0 otherwise.",
		}),
		factory: f,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// WatchBroadcaster exposes b's subscription count and publish and drop
// totals as collectors evaluated at scrape time.
func (m *MetricsExtension) WatchBroadcaster(b *stream.Broadcaster) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "subscriptions",
		Help:      "Number of live stream subscriptions.",
	}, func() float64 { return float64(b.Stats().SubscriptionCount) })

	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "published_total",
		Help:      "Total number of step events published.",
	}, func() float64 { return float64(b.Stats().Published) })

	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "stream",
		Name:      "dropped_total",
		Help:      "Total number of subscriptions dropped for falling behind.",
	}, func() float64 { return float64(b.Stats().Dropped) })
}

// ── Work unit lifecycle hooks ───────────────────────

// OnUnitEnqueued implements ext.UnitEnqueued.
func (m *MetricsExtension) OnUnitEnqueued(_ context.Context, u *workunit.WorkUnit) error {
	m.UnitsEnqueued.WithLabelValues(u.WorkerType).Inc()
	return nil
}

// OnUnitCompleted implements ext.UnitCompleted.
func (m *MetricsExtension) OnUnitCompleted(_ context.Context, u *workunit.WorkUnit, elapsed time.Duration) error {
	m.UnitsCompleted.WithLabelValues(u.WorkerType).Inc()
	m.UnitDuration.WithLabelValues(u.WorkerType).Observe(elapsed.Seconds())
	return nil
}

// OnUnitFailed implements ext.UnitFailed.
func (m *MetricsExtension) OnUnitFailed(_ context.Context, u *workunit.WorkUnit, _ error) error {
	m.UnitsFailed.WithLabelValues(u.WorkerType).Inc()
	return nil
}

// OnUnitRetrying implements ext.UnitRetrying.
func (m *MetricsExtension) OnUnitRetrying(_ context.Context, u *workunit.WorkUnit, _ int, _ time.Time) error {
	m.UnitsRetried.WithLabelValues(u.WorkerType).Inc()
	return nil
}

// OnUnitCancelled implements ext.UnitCancelled.
func (m *MetricsExtension) OnUnitCancelled(_ context.Context, u *workunit.WorkUnit) error {
	m.UnitsCancelled.WithLabelValues(u.WorkerType).Inc()
	return nil
}

// ── Backend health ──────────────────────────────────

// OnBackendHealthChanged implements ext.BackendHealthChanged.
func (m *MetricsExtension) OnBackendHealthChanged(_ context.Context, healthy bool) error {
	if healthy {
		m.FastBackendUp.Set(1)
	} else {
		m.FastBackendUp.Set(0)
	}
	return nil
}
