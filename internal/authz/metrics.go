package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the permission engine.
type Metrics struct {
	evaluations   *prometheus.CounterVec
	evalDuration  prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	coalesced     prometheus.Counter
	invalidations *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	rebuildTime   prometheus.Histogram
}

// NewMetrics registers the engine metrics against the provided
// registerer. A nil registerer falls back to the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_authz_evaluations_total",
			Help: "Permission evaluations by decision source.",
		}, []string{"source"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meridian_authz_evaluation_seconds",
			Help:    "Latency of permission evaluations.",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_authz_cache_hits_total",
			Help: "Decision cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_authz_cache_misses_total",
			Help: "Decision cache misses.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_authz_coalesced_lookups_total",
			Help: "Cache misses answered by a shared batched evaluation.",
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_authz_invalidations_total",
			Help: "Propagation events applied, by subject kind.",
		}, []string{"subject_kind"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_authz_matrix_rebuilds_total",
			Help: "Matrix recomputations by outcome.",
		}, []string{"status"}),
		rebuildTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meridian_authz_matrix_rebuild_seconds",
			Help:    "Duration of full matrix rebuilds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
	registerer.MustRegister(
		m.evaluations, m.evalDuration,
		m.cacheHits, m.cacheMisses, m.coalesced,
		m.invalidations, m.rebuilds, m.rebuildTime,
	)
	return m
}

// ObserveEvaluation records one evaluation outcome.
func (m *Metrics) ObserveEvaluation(source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(source).Inc()
	m.evalDuration.Observe(elapsed.Seconds())
}

// IncCacheHit counts a decision served from cache.
func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

// IncCacheMiss counts a lookup that fell through to the evaluator.
func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// IncCoalesced counts a miss answered by a shared batched round trip.
func (m *Metrics) IncCoalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

// IncInvalidation counts an applied propagation event.
func (m *Metrics) IncInvalidation(subjectKind string) {
	if m != nil {
		m.invalidations.WithLabelValues(subjectKind).Inc()
	}
}

// ObserveRebuild records a matrix rebuild outcome and duration.
func (m *Metrics) ObserveRebuild(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.rebuilds.WithLabelValues(status).Inc()
	m.rebuildTime.Observe(elapsed.Seconds())
}
