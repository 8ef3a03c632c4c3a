package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters for reconciliation and sync activity.
// A nil *Metrics is valid and records nothing, so callers can pass metrics
// through unconditionally.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	resourcesTotal *prometheus.CounterVec
	driftDetected  prometheus.Counter
	syncCycles     *prometheus.CounterVec
	syncConflicts  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ladle",
				Name:      "runs_total",
				Help:      "Reconciliation runs by result",
			},
			[]string{"result"},
		),
		resourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ladle",
				Name:      "resources_total",
				Help:      "Resources processed by terminal status",
			},
			[]string{"status"},
		),
		driftDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ladle",
				Name:      "drift_detected_total",
				Help:      "Resources where drift was detected",
			},
		),
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ladle",
				Name:      "sync_cycles_total",
				Help:      "Sync cycles by result",
			},
			[]string{"result"},
		),
		syncConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ladle",
				Name:      "sync_conflicts_total",
				Help:      "Divergent local histories resolved by forced reset",
			},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.resourcesTotal,
		m.driftDetected,
		m.syncCycles,
		m.syncConflicts,
	)

	return m
}

// ObserveRun records a completed reconciliation run.
func (m *Metrics) ObserveRun(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.runsTotal.WithLabelValues(result).Inc()
}

// ObserveResource records one resource outcome.
func (m *Metrics) ObserveResource(status string) {
	if m == nil {
		return
	}
	m.resourcesTotal.WithLabelValues(status).Inc()
}

// ObserveDrift records a drift detection.
func (m *Metrics) ObserveDrift() {
	if m == nil {
		return
	}
	m.driftDetected.Inc()
}

// ObserveSyncCycle records a completed sync cycle.
func (m *Metrics) ObserveSyncCycle(result string) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(result).Inc()
}

// ObserveSyncConflict records a forced reset of divergent local history.
func (m *Metrics) ObserveSyncConflict() {
	if m == nil {
		return
	}
	m.syncConflicts.Inc()
}

// Handler returns the HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
