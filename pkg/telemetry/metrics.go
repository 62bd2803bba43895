package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Metrics provides Prometheus metrics for the executor and procedure
// runtimes. It implements engine.MetricsRecorder. A Metrics built from a
// disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Node metrics
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	// Procedure metrics
	procedureCalls    *prometheus.CounterVec
	procedureDuration *prometheus.HistogramVec

	compensations     *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	conditionErrors   *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector on a private registry.
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

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of orchestration runs by final status",
			},
			[]string{"smart_code", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of orchestration runs in seconds",
				Buckets:   buckets,
			},
			[]string{"smart_code", "status"},
		),

		nodes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of nodes by terminal state",
			},
			[]string{"smart_code", "state"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node processing in seconds",
				Buckets:   buckets,
			},
			[]string{"smart_code", "state"},
		),

		procedureCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "procedure_calls_total",
				Help:      "Total number of procedure invocations by outcome",
			},
			[]string{"run_code", "outcome"},
		),
		procedureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "procedure_duration_seconds",
				Help:      "Duration of procedure invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"run_code"},
		),

		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensation attempts by outcome",
			},
			[]string{"smart_code", "outcome"},
		),
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Total number of lock acquisitions refused because the resource was held",
			},
			[]string{"resource_id"},
		),
		conditionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "condition_errors_total",
				Help:      "Total number of when-clauses that failed to evaluate",
			},
			[]string{"smart_code"},
		),
		persistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Total number of failed auditor operations",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.runs,
		m.runDuration,
		m.nodes,
		m.nodeDuration,
		m.procedureCalls,
		m.procedureDuration,
		m.compensations,
		m.lockContention,
		m.conditionErrors,
		m.persistenceErrors,
	)

	return m, nil
}

// RecordRun records a finished run with its status and duration.
func (m *Metrics) RecordRun(smartCode string, status engine.RunStatus, duration time.Duration) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(smartCode, string(status)).Inc()
	m.runDuration.WithLabelValues(smartCode, string(status)).Observe(duration.Seconds())
}

// RecordNode records a node reaching a terminal state.
func (m *Metrics) RecordNode(smartCode string, state engine.NodeState, duration time.Duration) {
	if m.nodes == nil {
		return
	}
	m.nodes.WithLabelValues(smartCode, string(state)).Inc()
	m.nodeDuration.WithLabelValues(smartCode, string(state)).Observe(duration.Seconds())
}

// RecordCompensation records one compensation attempt.
func (m *Metrics) RecordCompensation(smartCode string, success bool) {
	if m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(smartCode, outcome(success)).Inc()
}

func (m *Metrics) RecordLockContention(resourceID string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(resourceID).Inc()
}

func (m *Metrics) RecordConditionError(smartCode string) {
	if m.conditionErrors == nil {
		return
	}
	m.conditionErrors.WithLabelValues(smartCode).Inc()
}

func (m *Metrics) RecordPersistenceError(operation string) {
	if m.persistenceErrors == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(operation).Inc()
}

// RecordProcedureCall records a procedure invocation with its duration.
func (m *Metrics) RecordProcedureCall(runCode string, success bool, duration time.Duration) {
	if m.procedureCalls == nil {
		return
	}
	m.procedureCalls.WithLabelValues(runCode, outcome(success)).Inc()
	m.procedureDuration.WithLabelValues(runCode).Observe(duration.Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
