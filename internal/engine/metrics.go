package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors a BuildExecuter updates.
type Metrics struct {
	nodes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	active   prometheus.Gauge
	builds   *prometheus.CounterVec
}

// NewMetrics registers the build collectors on reg. A nil reg creates
// collectors without registering them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// Labels: outcome (executed, uptodate, failed, skipped)
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildgraph",
			Name:      "nodes_total",
			Help:      "Nodes finished, by outcome",
		}, []string{"outcome"}),
		// Labels: outcome (executed, uptodate, failed)
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildgraph",
			Name:      "node_duration_seconds",
			Help:      "Time from claiming a node to completing it",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "buildgraph",
			Name:      "active_workers",
			Help:      "Workers currently executing a node",
		}),
		// Labels: status (success, failure)
		builds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildgraph",
			Name:      "builds_total",
			Help:      "Builds finished, by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) nodeFinished(res NodeResult) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome != OutcomeSkipped {
		m.duration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())
	}
}

func (m *Metrics) workerBusy(delta float64) {
	if m == nil {
		return
	}
	m.active.Add(delta)
}

func (m *Metrics) buildFinished(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.builds.WithLabelValues(status).Inc()
}
