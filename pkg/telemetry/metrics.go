package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for convergence runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource metrics
	resourcesConverged *prometheus.CounterVec
	resourceDuration   *prometheus.HistogramVec
	resourceChanges    *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every recorder is a no-op on a nil collector.
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
				Help:      "Total number of convergence runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of convergence runs completed",
			},
			[]string{"status", "dry_run"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of convergence runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		resourcesConverged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Total number of resources visited, by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time spent converging one resource in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		resourceChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_changes_total",
				Help:      "Total number of property changes detected, by resource type",
			},
			[]string{"type"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications dispatched",
			},
			[]string{"timing", "mode", "fired"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of resource errors by error class",
			},
			[]string{"class", "code"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active convergence runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.resourcesConverged,
		m.resourceDuration,
		m.resourceChanges,
		m.notifications,
		m.errorsByClass,
		m.policyViolations,
		m.activeRuns,
	)

	return m, nil
}

// Registry returns the registry holding the collectors, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, dryRun bool, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status, boolLabel(dryRun)).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordResource records one visited resource.
func (m *Metrics) RecordResource(resourceType, outcome string, changes int, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.resourcesConverged.WithLabelValues(resourceType, outcome).Inc()
	m.resourceDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
	if changes > 0 {
		m.resourceChanges.WithLabelValues(resourceType).Add(float64(changes))
	}
}

// RecordNotification records one dispatched notification.
func (m *Metrics) RecordNotification(timing, mode string, fired bool) {
	if m.registry == nil {
		return
	}
	m.notifications.WithLabelValues(timing, mode, boolLabel(fired)).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// RecordPolicyViolation records one policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.registry == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
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

// StartMetricsServer serves the metrics endpoint until ctx is done. It is a
// no-op when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			FromContext(ctx).WithError(err).Error("Metrics server stopped")
		}
	}()

	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
