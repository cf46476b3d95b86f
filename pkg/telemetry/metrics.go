package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for orchestration runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	lastRunFailed prometheus.Gauge

	// Group metrics
	groupsFinished *prometheus.CounterVec
	groupDuration  *prometheus.HistogramVec
	groupRetries   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of runs by terminal state and failure reason",
		}, []string{"state", "reason"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   buckets,
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Current number of active runs",
		}),
		lastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed",
			Help:      "1 if the most recent run failed, 0 otherwise",
		}),

		groupsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_total",
			Help:      "Total number of group outcomes by status and skip reason",
		}, []string{"status", "reason"}),
		groupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_provision_duration_seconds",
			Help:      "Duration of provisioner calls per group in seconds",
			Buckets:   buckets,
		}, []string{"provisioner", "status"}),
		groupRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_retries_total",
			Help:      "Total number of provisioner retries",
		}, []string{"group"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of run errors by error class",
		}, []string{"class"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_code_total",
			Help:      "Total number of run errors by error code",
		}, []string{"code"}),

		policyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Total number of policy violations by policy",
		}, []string{"policy", "severity"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.lastRunFailed,
		m.groupsFinished,
		m.groupDuration,
		m.groupRetries,
		m.errorsByClass,
		m.errorsByCode,
		m.policyViolations,
	)

	return m, nil
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a finished run with its state, reason and duration.
func (m *Metrics) RecordRunFinished(state, reason string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}
	m.runsFinished.WithLabelValues(state, reason).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeRuns.Dec()
	if state == "failed" {
		m.lastRunFailed.Set(1)
	} else {
		m.lastRunFailed.Set(0)
	}
}

// RecordGroup records a group outcome. Duration is zero for groups that
// were never provisioned.
func (m *Metrics) RecordGroup(provisioner, status, reason string, duration time.Duration) {
	if m.groupsFinished == nil {
		return
	}
	m.groupsFinished.WithLabelValues(status, reason).Inc()
	if duration > 0 {
		if provisioner == "" {
			provisioner = "default"
		}
		m.groupDuration.WithLabelValues(provisioner, status).Observe(duration.Seconds())
	}
}

// RecordRetry records a provisioner retry for a group.
func (m *Metrics) RecordRetry(group string) {
	if m.groupRetries == nil {
		return
	}
	m.groupRetries.WithLabelValues(group).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyViolation records a single policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
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

// HealthFunc reports the health of the process for the /healthz endpoint.
type HealthFunc func(ctx context.Context) error

// ServeMetrics serves the metrics endpoint and /healthz on the configured
// address until ctx is done.
func (m *Metrics) ServeMetrics(ctx context.Context, health HealthFunc) error {
	if !m.config.Enabled {
		<-ctx.Done()
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

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
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
