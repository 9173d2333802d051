package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for the executor and
// background manager, namespaced "alphred" (grounded on graph/metrics.go's
// PrometheusMetrics, generalized from per-node-execution metrics to
// per-run-node-attempt metrics).
type Metrics struct {
	stepLatency      *prometheus.HistogramVec
	attemptsTotal    *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	routingOutcomes  *prometheus.CounterVec
	backgroundRuns   prometheus.Gauge
	preconditionFail *prometheus.CounterVec
}

// NewMetrics registers and returns a Metrics collector against registry. A
// nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "alphred",
			Name:      "run_node_attempt_duration_ms",
			Help:      "Duration of one claimed run-node attempt, in milliseconds.",
			Buckets:   []float64{50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"node_key", "outcome"}),

		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "run_node_attempts_total",
			Help:      "Total run-node attempts, by outcome.",
		}, []string{"node_key", "outcome"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "run_node_retries_total",
			Help:      "Total run-node retries, by path (immediate, deferred).",
		}, []string{"node_key", "path"}),

		routingOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "routing_outcomes_total",
			Help:      "Routing decisions reached per step, by outcome.",
		}, []string{"outcome"}),

		backgroundRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "alphred",
			Name:      "background_runs_in_flight",
			Help:      "Number of workflow runs currently driven by a background execution task.",
		}),

		preconditionFail: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "precondition_failures_total",
			Help:      "Guarded updates that lost an optimistic-concurrency race.",
		}, []string{"entity"}),
	}
}

func (m *Metrics) ObserveAttempt(nodeKey, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(nodeKey, outcome).Observe(float64(d.Milliseconds()))
	m.attemptsTotal.WithLabelValues(nodeKey, outcome).Inc()
}

func (m *Metrics) IncrementRetry(nodeKey, path string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(nodeKey, path).Inc()
}

func (m *Metrics) ObserveRoutingOutcome(outcome RoutingOutcome) {
	if m == nil {
		return
	}
	m.routingOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) SetBackgroundRunsInFlight(n int) {
	if m == nil {
		return
	}
	m.backgroundRuns.Set(float64(n))
}

func (m *Metrics) IncrementPreconditionFailure(entity string) {
	if m == nil {
		return
	}
	m.preconditionFail.WithLabelValues(entity).Inc()
}
