package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the planrun engine.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Verification metrics
	verifications        *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	verificationRetries  prometheus.Counter

	// Checkpoint metrics
	checkpointsWritten prometheus.Counter
	checkpointErrors   prometheus.Counter

	// Rollback metrics
	rollbacks *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// System metrics
	activeTasks  prometheus.Gauge
	pendingTasks prometheus.Gauge

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of plan runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of plan runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of plan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"action", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Total number of verification command runs",
			},
			[]string{"result"},
		),
		verificationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verification_duration_seconds",
				Help:      "Duration of verification commands in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),
		verificationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_retries_total",
				Help:      "Total number of verification retries after auto-fix",
			},
		),

		checkpointsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoints_written_total",
				Help:      "Total number of checkpoint commits",
			},
		),
		checkpointErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_errors_total",
				Help:      "Total number of failed checkpoint commits",
			},
		),

		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of phase rollbacks",
			},
			[]string{"phase"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of tasks in flight",
			},
		),
		pendingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_tasks",
				Help:      "Current number of pending tasks in the plan",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.verifications,
		m.verificationDuration,
		m.verificationRetries,
		m.checkpointsWritten,
		m.checkpointErrors,
		m.rollbacks,
		m.errorsByClass,
		m.activeTasks,
		m.pendingTasks,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskExecution records the execution of one task.
func (m *Metrics) RecordTaskExecution(action, status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(action, status).Inc()
	m.taskDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordVerification records one verification command run.
func (m *Metrics) RecordVerification(result string, duration time.Duration) {
	if m.verifications == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verificationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordVerificationRetry records one retry after an auto-fix attempt.
func (m *Metrics) RecordVerificationRetry() {
	if m.verificationRetries == nil {
		return
	}
	m.verificationRetries.Inc()
}

// RecordCheckpoint records a checkpoint commit.
func (m *Metrics) RecordCheckpoint(err error) {
	if m.checkpointsWritten == nil {
		return
	}
	if err != nil {
		m.checkpointErrors.Inc()
		return
	}
	m.checkpointsWritten.Inc()
}

// RecordRollback records a phase rollback.
func (m *Metrics) RecordRollback(phase string) {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.WithLabelValues(phase).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// TaskStarted marks one more task in flight.
func (m *Metrics) TaskStarted() {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Inc()
}

// TaskFinished marks one fewer task in flight.
func (m *Metrics) TaskFinished() {
	if m.activeTasks == nil {
		return
	}
	m.activeTasks.Dec()
}

// SetPendingTasks sets the current number of pending tasks.
func (m *Metrics) SetPendingTasks(count float64) {
	if m.pendingTasks == nil {
		return
	}
	m.pendingTasks.Set(count)
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
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
