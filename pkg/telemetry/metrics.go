package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for toolstore. It satisfies the observer
// interfaces of the engine, storage and policy packages. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Invocation metrics
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	activeInvocations  prometheus.Gauge

	// Executor metrics
	steps               *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	workflowRuns        *prometheus.CounterVec
	workflowRunDuration *prometheus.HistogramVec
	compensations       *prometheus.CounterVec

	// Storage metrics
	storageOps          *prometheus.CounterVec
	storageOpDuration   *prometheus.HistogramVec
	lockWait            *prometheus.HistogramVec
	indexPersists       *prometheus.CounterVec
	indexPersistSeconds prometheus.Histogram

	// Rule metrics
	ruleChecks        *prometheus.CounterVec
	ruleCheckDuration prometheus.Histogram
	ruleViolations    *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
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

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of tool invocations",
			},
			[]string{"tool", "status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of tool invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"tool"},
		),
		activeInvocations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_invocations",
				Help:      "Current number of in-flight tool invocations",
			},
		),

		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed steps",
			},
			[]string{"executor", "step_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"executor", "step_type"},
		),
		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of finished workflow runs",
			},
			[]string{"workflow", "status"},
		),
		workflowRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensation attempts",
			},
			[]string{"workflow", "result"},
		),

		storageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"collection", "operation", "status"},
		),
		storageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Duration of storage operations in seconds",
				Buckets:   buckets,
			},
			[]string{"collection", "operation"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for collection locks in seconds",
				Buckets:   buckets,
			},
			[]string{"collection", "acquired"},
		),
		indexPersists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_persists_total",
				Help:      "Total number of index snapshot persist passes",
			},
			[]string{"result"},
		),
		indexPersistSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_persist_duration_seconds",
				Help:      "Duration of index snapshot persistence in seconds",
				Buckets:   buckets,
			},
		),

		ruleChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_checks_total",
				Help:      "Total number of rule evaluations",
			},
			[]string{"tool", "result"},
		),
		ruleCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rule_check_duration_seconds",
				Help:      "Duration of rule evaluation in seconds",
				Buckets:   buckets,
			},
		),
		ruleViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_violations_total",
				Help:      "Total number of rule violations",
			},
			[]string{"rule_set", "code"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.invocations,
		m.invocationDuration,
		m.activeInvocations,
		m.steps,
		m.stepDuration,
		m.workflowRuns,
		m.workflowRunDuration,
		m.compensations,
		m.storageOps,
		m.storageOpDuration,
		m.lockWait,
		m.indexPersists,
		m.indexPersistSeconds,
		m.ruleChecks,
		m.ruleCheckDuration,
		m.ruleViolations,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Invocation Metrics

// InvocationStarted marks a tool invocation as in flight.
func (m *Metrics) InvocationStarted() {
	if !m.enabled() {
		return
	}
	m.activeInvocations.Inc()
}

// InvocationFinished records a finished tool invocation.
func (m *Metrics) InvocationFinished(tool, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activeInvocations.Dec()
	m.invocations.WithLabelValues(tool, status).Inc()
	m.invocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// Executor Metrics

// ObserveStep records one executed step.
func (m *Metrics) ObserveStep(executor, stepType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.steps.WithLabelValues(executor, stepType, status).Inc()
	m.stepDuration.WithLabelValues(executor, stepType).Observe(duration.Seconds())
}

// ObserveWorkflowRun records a finished workflow run.
func (m *Metrics) ObserveWorkflowRun(workflow, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.workflowRuns.WithLabelValues(workflow, status).Inc()
	m.workflowRunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// ObserveCompensation records one compensation attempt.
func (m *Metrics) ObserveCompensation(workflow string, success bool) {
	if !m.enabled() {
		return
	}
	m.compensations.WithLabelValues(workflow, resultLabel(success)).Inc()
}

// Storage Metrics

// ObserveStorageOp records one storage engine operation.
func (m *Metrics) ObserveStorageOp(collection, operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.storageOps.WithLabelValues(collection, operation, status).Inc()
	m.storageOpDuration.WithLabelValues(collection, operation).Observe(duration.Seconds())
}

// ObserveLockWait records how long a writer waited for a collection lock.
func (m *Metrics) ObserveLockWait(collection string, wait time.Duration, acquired bool) {
	if !m.enabled() {
		return
	}
	acq := "false"
	if acquired {
		acq = "true"
	}
	m.lockWait.WithLabelValues(collection, acq).Observe(wait.Seconds())
}

// ObserveIndexPersist records one index snapshot persist pass.
func (m *Metrics) ObserveIndexPersist(success bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.indexPersists.WithLabelValues(resultLabel(success)).Inc()
	m.indexPersistSeconds.Observe(duration.Seconds())
}

// Rule Metrics

// ObserveRuleCheck records one rule engine evaluation.
func (m *Metrics) ObserveRuleCheck(tool string, violated bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	result := "allowed"
	if violated {
		result = "violated"
	}
	m.ruleChecks.WithLabelValues(tool, result).Inc()
	m.ruleCheckDuration.Observe(duration.Seconds())
}

// ObserveRuleViolation records which rule set rejected a call.
func (m *Metrics) ObserveRuleViolation(ruleSet, code string) {
	if !m.enabled() {
		return
	}
	m.ruleViolations.WithLabelValues(ruleSet, code).Inc()
}

// Error Metrics

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint. It
// is a no-op when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.enabled() {
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

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", server.Addr).Str("path", path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
