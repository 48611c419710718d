package tracker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the tracking engine.
type Metrics struct {
	TicksTotal             prometheus.Counter
	TickDuration           prometheus.Histogram
	SnapshotFailuresTotal  prometheus.Counter
	PersistenceErrorsTotal prometheus.CounterVec
	SessionsOpenedTotal    prometheus.Counter
	SessionsClosedTotal    prometheus.Counter
	SessionsDiscardedTotal prometheus.Counter
	ProgramsRunning        prometheus.Gauge
	CacheHitsTotal         prometheus.CounterVec
	CacheMissesTotal       prometheus.CounterVec
	CacheRefreshesTotal    prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics for the tracker.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TicksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "playwatch_ticks_total",
					Help: "Completed poll-and-reconcile ticks",
				},
			),
			TickDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "playwatch_tick_duration_seconds",
					Help:    "Tick reconciliation duration",
					Buckets: prometheus.DefBuckets,
				},
			),
			SnapshotFailuresTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "playwatch_snapshot_failures_total",
					Help: "Process snapshots that failed or timed out",
				},
			),
			PersistenceErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playwatch_persistence_errors_total",
					Help: "Session store writes that failed, by operation",
				},
				[]string{"operation"},
			),
			SessionsOpenedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "playwatch_sessions_opened_total",
					Help: "Sessions opened on not-running to running transitions",
				},
			),
			SessionsClosedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "playwatch_sessions_closed_total",
					Help: "Sessions finalized on running to not-running transitions",
				},
			),
			SessionsDiscardedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "playwatch_sessions_discarded_total",
					Help: "Invalid sessions deleted instead of closed",
				},
			),
			ProgramsRunning: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "playwatch_programs_running",
					Help: "Tracked programs currently observed running",
				},
			),
			CacheHitsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playwatch_cache_hits_total",
					Help: "Analytics cache reads served from a stored entry",
				},
				[]string{"metric_type"},
			),
			CacheMissesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playwatch_cache_misses_total",
					Help: "Analytics cache reads that required computation",
				},
				[]string{"metric_type"},
			),
			CacheRefreshesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "playwatch_cache_refreshes_total",
					Help: "Analytics cache entries recomputed and overwritten",
				},
				[]string{"metric_type"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordTick(seconds float64) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(seconds)
}

func (m *Metrics) RecordSnapshotFailure() {
	if m == nil {
		return
	}
	m.SnapshotFailuresTotal.Inc()
}

func (m *Metrics) RecordPersistenceError(operation string) {
	if m == nil {
		return
	}
	m.PersistenceErrorsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpenedTotal.Inc()
}

func (m *Metrics) RecordSessionClosed() {
	if m == nil {
		return
	}
	m.SessionsClosedTotal.Inc()
}

func (m *Metrics) RecordSessionDiscarded() {
	if m == nil {
		return
	}
	m.SessionsDiscardedTotal.Inc()
}

func (m *Metrics) SetProgramsRunning(count int64) {
	if m == nil {
		return
	}
	m.ProgramsRunning.Set(float64(count))
}

func (m *Metrics) RecordCacheHit(metricType string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(metricType).Inc()
}

func (m *Metrics) RecordCacheMiss(metricType string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(metricType).Inc()
}

func (m *Metrics) RecordCacheRefresh(metricType string) {
	if m == nil {
		return
	}
	m.CacheRefreshesTotal.WithLabelValues(metricType).Inc()
}
