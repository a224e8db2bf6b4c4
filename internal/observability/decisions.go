package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DecisionMetrics tracks authorization decisions and decision cache effectiveness.
type DecisionMetrics struct {
	decisions     *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

var (
	defaultDecisionOnce    sync.Once
	defaultDecisionMetrics *DecisionMetrics
)

// NewDecisionMetrics registers decision collectors. A nil registerer falls
// back to the process-wide default registry, registered once.
func NewDecisionMetrics(registerer prometheus.Registerer) *DecisionMetrics {
	if registerer == nil {
		defaultDecisionOnce.Do(func() {
			defaultDecisionMetrics = buildDecisionMetrics(prometheus.DefaultRegisterer)
		})
		return defaultDecisionMetrics
	}
	return buildDecisionMetrics(registerer)
}

func buildDecisionMetrics(registerer prometheus.Registerer) *DecisionMetrics {
	m := &DecisionMetrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_decisions_total",
			Help: "Authorization decisions by engine and outcome.",
		}, []string{"engine", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_cache_lookups_total",
			Help: "Decision cache lookups by result.",
		}, []string{"result"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_authz_backend_errors_total",
			Help: "Policy backend failures by engine.",
		}, []string{"engine"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_authz_evaluate_duration_seconds",
			Help:    "Latency of uncached policy evaluations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
	}
	registerer.MustRegister(m.decisions, m.cacheLookups, m.backendErrors, m.duration)
	return m
}

// ObserveDecision records one evaluated decision.
func (m *DecisionMetrics) ObserveDecision(engine string, allowed bool, started time.Time) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.decisions.WithLabelValues(engine, outcome).Inc()
	if !started.IsZero() {
		m.duration.WithLabelValues(engine).Observe(time.Since(started).Seconds())
	}
}

// CacheHit records a decision served from cache.
func (m *DecisionMetrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a lookup that had to reach the engine.
func (m *DecisionMetrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// BackendError records an unavailable backend.
func (m *DecisionMetrics) BackendError(engine string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(engine).Inc()
}
