// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for UsageGate.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors plus atomic counters exposed through
// Snapshot() for the status endpoint.
type Metrics struct {
	// Atomic counters (no mutex, no allocation).
	evaluations       int64
	evaluationErrors  int64
	toggleTransitions int64
	togglesAvoided    int64
	providerErrors    int64
	storeErrors       int64

	promEvaluations      prometheus.Counter
	promEvaluationErrors *prometheus.CounterVec
	promTransitions      *prometheus.CounterVec
	promTogglesAvoided   prometheus.Counter

	// Per-metric usage and quota gauges. The metric name set is fixed at
	// build time, so label cardinality is bounded.
	promUsage *prometheus.GaugeVec
	promQuota *prometheus.GaugeVec

	PromFetchDuration      prometheus.Histogram
	PromInvocationDuration prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usagegate",
			Name:      "evaluations_total",
			Help:      "Total number of quota evaluations run.",
		}),
		promEvaluationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagegate",
			Name:      "evaluation_errors_total",
			Help:      "Total number of failed evaluations by failure class.",
		}, []string{"reason"}),
		promTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usagegate",
			Name:      "toggle_transitions_total",
			Help:      "Total number of toggle state transitions by target state.",
		}, []string{"to"}),
		promTogglesAvoided: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "usagegate",
			Name:      "redundant_toggles_avoided_total",
			Help:      "Total number of invocations whose decided state matched the prior state, skipping the toggle call.",
		}),
		promUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "usagegate",
			Name:      "metric_usage",
			Help:      "Last observed usage value per governed metric.",
		}, []string{"metric"}),
		promQuota: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "usagegate",
			Name:      "metric_quota",
			Help:      "Resolved quota per governed metric.",
		}, []string{"metric"}),
		PromFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "usagegate",
			Name:      "provider_fetch_duration_seconds",
			Help:      "Usage fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromInvocationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "usagegate",
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end evaluation invocation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	return m
}

// IncEvaluations increments the evaluations counter.
func (m *Metrics) IncEvaluations() {
	atomic.AddInt64(&m.evaluations, 1)
	m.promEvaluations.Inc()
}

// IncEvaluationErrors increments the failure counter for a failure class.
func (m *Metrics) IncEvaluationErrors(reason string) {
	atomic.AddInt64(&m.evaluationErrors, 1)
	m.promEvaluationErrors.WithLabelValues(reason).Inc()
}

// IncToggleTransitions increments the transition counter for a target state.
func (m *Metrics) IncToggleTransitions(to string) {
	atomic.AddInt64(&m.toggleTransitions, 1)
	m.promTransitions.WithLabelValues(to).Inc()
}

// IncTogglesAvoided increments the redundant-toggle-avoided counter.
func (m *Metrics) IncTogglesAvoided() {
	atomic.AddInt64(&m.togglesAvoided, 1)
	m.promTogglesAvoided.Inc()
}

// IncProviderErrors increments the provider error counter.
func (m *Metrics) IncProviderErrors() {
	atomic.AddInt64(&m.providerErrors, 1)
}

// IncStoreErrors increments the state store error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
}

// SetUsage records the last observed usage value for a metric.
func (m *Metrics) SetUsage(name string, v float64) {
	m.promUsage.WithLabelValues(name).Set(v)
}

// SetQuota records the resolved quota for a metric.
func (m *Metrics) SetQuota(name string, v float64) {
	m.promQuota.WithLabelValues(name).Set(v)
}

// ObserveFetchDuration records one provider fetch duration.
func (m *Metrics) ObserveFetchDuration(d time.Duration) {
	m.PromFetchDuration.Observe(d.Seconds())
}

// ObserveInvocationDuration records one invocation duration.
func (m *Metrics) ObserveInvocationDuration(d time.Duration) {
	m.PromInvocationDuration.Observe(d.Seconds())
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Evaluations       int64
	EvaluationErrors  int64
	ToggleTransitions int64
	TogglesAvoided    int64
	ProviderErrors    int64
	StoreErrors       int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Evaluations:       atomic.LoadInt64(&m.evaluations),
		EvaluationErrors:  atomic.LoadInt64(&m.evaluationErrors),
		ToggleTransitions: atomic.LoadInt64(&m.toggleTransitions),
		TogglesAvoided:    atomic.LoadInt64(&m.togglesAvoided),
		ProviderErrors:    atomic.LoadInt64(&m.providerErrors),
		StoreErrors:       atomic.LoadInt64(&m.storeErrors),
	}
}
