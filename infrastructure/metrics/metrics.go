// Package metrics provides Prometheus metrics collection for the orchestrator.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arca/workflow-orchestrator/infrastructure/runtime"
)

// Metrics holds all Prometheus collectors exposed by the orchestrator.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Run lifecycle metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunsInFlight       prometheus.Gauge
	StepsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	DuplicatesTotal    *prometheus.CounterVec
	RetriesScheduled   *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	BusinessOutcomes   *prometheus.CounterVec
	PaymentOutcomes    *prometheus.CounterVec
	AuthAttempts       *prometheus.CounterVec

	// Operation metrics
	BrowserOps *prometheus.CounterVec
	FileOps    *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal  *prometheus.CounterVec
	StoreOperationLatency *prometheus.HistogramVec

	// Browser fleet metrics
	FleetCapacity  prometheus.Gauge
	FleetInUse     prometheus.Gauge
	FleetScaleOps  *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"service", "kind", "operation"},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_runs_total",
				Help: "Total number of workflow runs by terminal status",
			},
			[]string{"workflow_kind", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_run_duration_seconds",
				Help:    "Workflow run duration in seconds from RUNNING to terminal",
				Buckets: []float64{10, 30, 60, 120, 300, 600},
			},
			[]string{"workflow_kind"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_runs_in_flight",
				Help: "Current number of runs in RUNNING state",
			},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Total number of step executions by outcome",
			},
			[]string{"workflow_kind", "step", "outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"workflow_kind", "step"},
		),
		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_duplicates_total",
				Help: "Total number of requests rejected as duplicate transactions",
			},
			[]string{"workflow_kind", "scope"},
		),
		RetriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_retries_scheduled_total",
				Help: "Total number of runs re-queued by the retry sweeper",
			},
			[]string{"workflow_kind"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_events_published_total",
				Help: "Total number of events published by outcome",
			},
			[]string{"event_type", "status"},
		),
		BusinessOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_business_outcomes_total",
				Help: "Total number of Run business outcomes observed by the application service monitor",
			},
			[]string{"workflow_kind", "outcome"},
		),

		PaymentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_payment_outcomes_total",
				Help: "Total number of entry outcomes by payment method",
			},
			[]string{"payment_method", "outcome"},
		),
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Total number of portal credential resolution attempts by outcome",
			},
			[]string{"outcome"},
		),

		BrowserOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_operations_total",
				Help: "Total number of browser grid operations by outcome",
			},
			[]string{"operation", "status"},
		),
		FileOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "file_operations_total",
				Help: "Total number of artifact file operations by outcome",
			},
			[]string{"operation", "status"},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of transaction store operations",
			},
			[]string{"backend", "operation", "status"},
		),
		StoreOperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Transaction store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"backend", "operation"},
		),

		FleetCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_fleet_capacity",
				Help: "Current configured browser session capacity",
			},
		),
		FleetInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_fleet_in_use",
				Help: "Current number of browser sessions in use",
			},
		),
		FleetScaleOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_fleet_scale_operations_total",
				Help: "Total number of fleet scale operations by direction and outcome",
			},
			[]string{"direction", "status"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.RunsTotal,
			m.RunDuration,
			m.RunsInFlight,
			m.StepsTotal,
			m.StepDuration,
			m.DuplicatesTotal,
			m.RetriesScheduled,
			m.EventsPublished,
			m.BusinessOutcomes,
			m.PaymentOutcomes,
			m.AuthAttempts,
			m.BrowserOps,
			m.FileOps,
			m.StoreOperationsTotal,
			m.StoreOperationLatency,
			m.FleetCapacity,
			m.FleetInUse,
			m.FleetScaleOps,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error by kind and operation.
func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

// RecordRunTerminal records a run reaching a terminal status.
func (m *Metrics) RecordRunTerminal(workflowKind, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(workflowKind, status).Inc()
	m.RunDuration.WithLabelValues(workflowKind).Observe(duration.Seconds())
}

// RecordStep records a single step execution outcome.
func (m *Metrics) RecordStep(workflowKind, step, outcome string, duration time.Duration) {
	m.StepsTotal.WithLabelValues(workflowKind, step, outcome).Inc()
	m.StepDuration.WithLabelValues(workflowKind, step).Observe(duration.Seconds())
}

// RecordDuplicate records a duplicate-transaction rejection.
func (m *Metrics) RecordDuplicate(workflowKind, scope string) {
	m.DuplicatesTotal.WithLabelValues(workflowKind, scope).Inc()
}

// RecordRetryScheduled records the sweeper re-queuing a run.
func (m *Metrics) RecordRetryScheduled(workflowKind string) {
	m.RetriesScheduled.WithLabelValues(workflowKind).Inc()
}

// RecordEventPublished records a publish attempt outcome.
func (m *Metrics) RecordEventPublished(eventType, status string) {
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}

// RecordBusinessOutcome records the application service monitor observing a
// Run reach a terminal business outcome (completed or failed).
func (m *Metrics) RecordBusinessOutcome(workflowKind, outcome string) {
	m.BusinessOutcomes.WithLabelValues(workflowKind, outcome).Inc()
}

// RecordPaymentOutcome records one entry's intake outcome by payment method.
func (m *Metrics) RecordPaymentOutcome(paymentMethod, outcome string) {
	m.PaymentOutcomes.WithLabelValues(paymentMethod, outcome).Inc()
}

// RecordAuthAttempt records a credential resolution attempt outcome.
func (m *Metrics) RecordAuthAttempt(outcome string) {
	m.AuthAttempts.WithLabelValues(outcome).Inc()
}

// RecordBrowserOperation records a browser grid operation outcome.
func (m *Metrics) RecordBrowserOperation(operation, status string) {
	m.BrowserOps.WithLabelValues(operation, status).Inc()
}

// RecordFileOperation records an artifact file operation outcome.
func (m *Metrics) RecordFileOperation(operation, status string) {
	m.FileOps.WithLabelValues(operation, status).Inc()
}

// RecordStoreOperation records a transaction store operation.
func (m *Metrics) RecordStoreOperation(backend, operation, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	m.StoreOperationLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetFleetCapacity sets the current configured browser session capacity.
func (m *Metrics) SetFleetCapacity(n int) {
	m.FleetCapacity.Set(float64(n))
}

// SetFleetInUse sets the current number of browser sessions in use.
func (m *Metrics) SetFleetInUse(n int) {
	m.FleetInUse.Set(float64(n))
}

// RecordFleetScale records a scale-up or scale-down operation.
func (m *Metrics) RecordFleetScale(direction, status string) {
	m.FleetScaleOps.WithLabelValues(direction, status).Inc()
}

// SetRunsInFlight sets the current number of RUNNING runs.
func (m *Metrics) SetRunsInFlight(n int) {
	m.RunsInFlight.Set(float64(n))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight HTTP request counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight HTTP request counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a fallback if needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
