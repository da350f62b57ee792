package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Surge.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource change metrics
	resourceChanges *prometheus.CounterVec
	changeDuration  *prometheus.HistogramVec

	// Resource metrics
	resourcesManaged *prometheus.GaugeVec

	// Provisioner metrics
	provisionerCalls    *prometheus.CounterVec
	provisionerDuration *prometheus.HistogramVec
	provisionerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Rollback metrics
	rollbacks *prometheus.CounterVec

	// Circuit breaker metrics
	breakerTransitions *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of deployment runs started",
			},
			[]string{"environment"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of deployment runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Resource change metrics
		resourceChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_changes_total",
				Help:      "Total number of resource changes executed",
			},
			[]string{"action", "status"},
		),
		changeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_change_duration_seconds",
				Help:      "Duration of resource change execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "resource_type"},
		),

		// Resource metrics
		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of resources recorded in state",
			},
			[]string{"type"},
		),

		// Provisioner metrics
		provisionerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_calls_total",
				Help:      "Total number of provisioner calls",
			},
			[]string{"provisioner", "operation"},
		),
		provisionerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioner_call_duration_seconds",
				Help:      "Duration of provisioner calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provisioner", "operation"},
		),
		provisionerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_errors_total",
				Help:      "Total number of provisioner errors",
			},
			[]string{"provisioner", "operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// Rollback metrics
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback executions",
			},
			[]string{"status"},
		),

		// Circuit breaker metrics
		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"provisioner", "to"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active deployment runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.resourceChanges,
		m.changeDuration,
		m.resourcesManaged,
		m.provisionerCalls,
		m.provisionerDuration,
		m.provisionerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.rollbacks,
		m.breakerTransitions,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(environment string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(environment).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Resource Change Metrics

// RecordResourceExecution records the execution of one resource change.
func (m *Metrics) RecordResourceExecution(action, status string, duration time.Duration, resourceType string) {
	if m.resourceChanges == nil {
		return
	}
	m.resourceChanges.WithLabelValues(action, status).Inc()
	m.changeDuration.WithLabelValues(action, resourceType).Observe(duration.Seconds())
}

// SetResourceCount sets the current count of managed resources.
func (m *Metrics) SetResourceCount(resourceType string, count float64) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(resourceType).Set(count)
}

// Provisioner Metrics

// RecordProvisionerCall records a provisioner call with its duration.
func (m *Metrics) RecordProvisionerCall(provisioner, operation string, duration time.Duration) {
	if m.provisionerCalls == nil {
		return
	}
	m.provisionerCalls.WithLabelValues(provisioner, operation).Inc()
	m.provisionerDuration.WithLabelValues(provisioner, operation).Observe(duration.Seconds())
}

// RecordProvisionerError records a provisioner error.
func (m *Metrics) RecordProvisionerError(provisioner, operation string) {
	if m.provisionerErrors == nil {
		return
	}
	m.provisionerErrors.WithLabelValues(provisioner, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Rollback Metrics

// RecordRollback records a rollback execution and its outcome.
func (m *Metrics) RecordRollback(status string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(status).Inc()
}

// Circuit Breaker Metrics

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(provisioner, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(provisioner, to).Inc()
}

// System Metrics

// SetActiveRuns sets the current number of active runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
