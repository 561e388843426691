// Package metrics exposes campaign runtime observability via a dedicated
// Prometheus registry: a package-level *Metrics built once by Init,
// nil-checked accessor functions so callers never need to special-case
// "metrics disabled", and promhttp.HandlerFor serving a private registry
// rather than the global default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors exported by a fuzzing campaign.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal    *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	bbCoverage         prometheus.Gauge
	symbolicQueueDepth prometheus.Gauge
	connectedWorkers   prometheus.Gauge
	symbolicRequests   *prometheus.CounterVec
}

var current *Metrics

// Init builds the registry and registers every collector under namespace
// (e.g. "kafl"). Safe to call once at startup; subsequent Record*/Set*
// calls are no-ops until Init has run.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total VM executions by outcome",
			},
			[]string{"outcome"},
		),

		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of a single VM execution round",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		bbCoverage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bb_cov",
				Help:      "Basic-block coverage reported by the most recent execution",
			},
		),

		symbolicQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "symbolic_queue_depth",
				Help:      "Current number of pending plus issued symbolic requests",
			},
		),

		connectedWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_workers",
				Help:      "Number of workers currently connected to the Manager",
			},
		),

		symbolicRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "symbolic_requests_total",
				Help:      "Total symbolic requests observed, by whether they were accepted as novel",
			},
			[]string{"accepted"},
		),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.bbCoverage,
		m.symbolicQueueDepth,
		m.connectedWorkers,
		m.symbolicRequests,
	)

	current = m
}

// RecordExecution records one completed VM execution.
func RecordExecution(outcome string, durationSec float64, bbCov uint32) {
	if current == nil {
		return
	}
	current.executionsTotal.WithLabelValues(outcome).Inc()
	current.executionDuration.Observe(durationSec)
	current.bbCoverage.Set(float64(bbCov))
}

// SetSymbolicQueueDepth sets the symbolic queue depth gauge (pending plus
// issued requests).
func SetSymbolicQueueDepth(depth int) {
	if current == nil {
		return
	}
	current.symbolicQueueDepth.Set(float64(depth))
}

// SetConnectedWorkers sets the connected-worker gauge.
func SetConnectedWorkers(n int) {
	if current == nil {
		return
	}
	current.connectedWorkers.Set(float64(n))
}

// RecordSymbolicRequest records one SYX_SYM_NEW observation, tagging
// whether the Queue accepted it as novel.
func RecordSymbolicRequest(accepted bool) {
	if current == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	current.symbolicRequests.WithLabelValues(label).Inc()
}

// Handler returns an HTTP handler serving this campaign's registry, or a
// 503 placeholder if Init has not run.
func Handler() http.Handler {
	if current == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(current.registry, promhttp.HandlerOpts{})
}
