package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the engine's execution metrics plus a handful
// of grading-specific series (cache hit ratio, fan-out width, review-gate
// rate) the prior engine's original metric set never needed, all namespaced
// "gradeflow_".
type PrometheusMetrics struct {
	stepLatency     *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	backpressure    *prometheus.CounterVec
	fanOutWidth     *prometheus.HistogramVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	reviewGateTotal *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers gradeflow's metric set with registry (use
// prometheus.DefaultRegisterer for the process-global registry).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gradeflow",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"run_id", "node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradeflow",
			Name:      "retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"run_id", "node_id", "reason"}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradeflow",
			Name:      "backpressure_events_total",
			Help:      "Send fan-out backpressure events.",
		}, []string{"run_id", "reason"}),
		fanOutWidth: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gradeflow",
			Name:      "fanout_width",
			Help:      "Number of Send children dispatched per fan-out.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}, []string{"graph_name"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradeflow",
			Name:      "cache_hits_total",
			Help:      "Semantic cache hits.",
		}, []string{"graph_name"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradeflow",
			Name:      "cache_misses_total",
			Help:      "Semantic cache misses.",
		}, []string{"graph_name"}),
		reviewGateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradeflow",
			Name:      "review_gate_total",
			Help:      "Runs that entered the human-review gate.",
		}, []string{"graph_name"}),
	}
}

func (pm *PrometheusMetrics) RecordStepLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.stepLatency.WithLabelValues(runID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(runID, nodeID, reason).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

// RecordFanOutWidth records how many Send children a fan-out dispatched.
func (pm *PrometheusMetrics) RecordFanOutWidth(graphName string, width int) {
	if !pm.isEnabled() {
		return
	}
	pm.fanOutWidth.WithLabelValues(graphName).Observe(float64(width))
}

// RecordCacheHit/RecordCacheMiss track the semantic cache's hit ratio.
func (pm *PrometheusMetrics) RecordCacheHit(graphName string) {
	if !pm.isEnabled() {
		return
	}
	pm.cacheHits.WithLabelValues(graphName).Inc()
}

func (pm *PrometheusMetrics) RecordCacheMiss(graphName string) {
	if !pm.isEnabled() {
		return
	}
	pm.cacheMisses.WithLabelValues(graphName).Inc()
}

// RecordReviewGate tracks how often runs land in human review.
func (pm *PrometheusMetrics) RecordReviewGate(graphName string) {
	if !pm.isEnabled() {
		return
	}
	pm.reviewGateTotal.WithLabelValues(graphName).Inc()
}

func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
