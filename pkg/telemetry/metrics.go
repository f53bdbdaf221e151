package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for workflow runs. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Input synthesis metrics
	synthesis       *prometheus.CounterVec
	mergeOperations *prometheus.CounterVec

	// Error metrics
	errors *prometheus.CounterVec

	// Scheduler metrics
	activeRuns prometheus.Gauge
	readyNodes *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs finished, by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of nodes that reached a terminal state",
			},
			[]string{"label", "state"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"label"},
		),

		synthesis: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_total",
				Help:      "Total number of input synthesis attempts",
			},
			[]string{"mode", "outcome"},
		),
		mergeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_operations_total",
				Help:      "Total number of configuration merge operations applied",
			},
			[]string{"kind"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of node errors by class and code",
			},
			[]string{"class", "code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		readyNodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready_nodes",
				Help:      "Nodes whose parents are complete and that wait for a worker",
			},
			[]string{"run_id"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.synthesis,
		m.mergeOperations,
		m.errors,
		m.activeRuns,
		m.readyNodes,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(runID, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
	m.readyNodes.DeleteLabelValues(runID)
}

// Node Metrics

// RecordNodeExecution records a node that reached state.
func (m *Metrics) RecordNodeExecution(label, state string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(label, state).Inc()
	m.nodeDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// SetReadyNodes sets the number of ready nodes of a run.
func (m *Metrics) SetReadyNodes(runID string, count int) {
	if m.registry == nil {
		return
	}
	m.readyNodes.WithLabelValues(runID).Set(float64(count))
}

// Synthesis Metrics

// RecordSynthesis records one synthesis attempt. outcome is "success" or
// the error code.
func (m *Metrics) RecordSynthesis(mode, outcome string) {
	if m.registry == nil {
		return
	}
	m.synthesis.WithLabelValues(mode, outcome).Inc()
}

// RecordMergeOperation records an applied merge operation.
func (m *Metrics) RecordMergeOperation(kind string) {
	if m.registry == nil {
		return
	}
	m.mergeOperations.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errors.WithLabelValues(errorClass, errorCode).Inc()
}

// Registry returns the registry metrics are registered with, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve
// errors are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// Close stops the metrics server.
func (m *Metrics) Close() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}
