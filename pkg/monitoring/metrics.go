package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection. A nil collector
// records nothing.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	flowsTotal   *prometheus.CounterVec
	flowDuration *prometheus.HistogramVec

	ledgerTransactionsTotal   *prometheus.CounterVec
	ledgerTransactionDuration *prometheus.HistogramVec

	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec

	phiAccessTotal   *prometheus.CounterVec
	retrievedEntries *prometheus.CounterVec
	orphanedPayloads *prometheus.CounterVec
	systemErrors     *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector with its own registry
func NewMetricsCollector(serviceName string) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		// HTTP request metrics
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),

		// Record flow metrics
		flowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "record_flows_total",
				Help: "Total number of record flows by terminal status",
			},
			[]string{"flow", "status", "service"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "record_flow_duration_seconds",
				Help:    "Duration of record flows in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0, 30.0, 60.0},
			},
			[]string{"flow", "service"},
		),

		// Ledger metrics
		ledgerTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Total number of ledger transactions",
			},
			[]string{"method", "status", "service"},
		),
		ledgerTransactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_transaction_duration_seconds",
				Help:    "Duration from submission to confirmation in seconds",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"method", "service"},
		),

		// Store metrics
		storeOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of document store operations",
			},
			[]string{"backend", "operation", "status", "service"},
		),
		storeOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Duration of document store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"backend", "operation", "service"},
		),

		// PHI access metrics
		phiAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phi_access_total",
				Help: "Total number of PHI access attempts",
			},
			[]string{"role", "action", "status", "service"},
		),
		retrievedEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrieved_entries_total",
				Help: "Retrieved record entries by payload format",
			},
			[]string{"format", "service"},
		),
		orphanedPayloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orphaned_payloads_total",
				Help: "Payloads stored but never indexed",
			},
			[]string{"service"},
		),

		// System metrics
		systemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "system_errors_total",
				Help: "Total number of system errors",
			},
			[]string{"error_type", "service", "component"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.flowsTotal,
		m.flowDuration,
		m.ledgerTransactionsTotal,
		m.ledgerTransactionDuration,
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.phiAccessTotal,
		m.retrievedEntries,
		m.orphanedPayloads,
		m.systemErrors,
	)

	return m
}

// Registry exposes the collector's registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordFlow records a finished publish/retrieve/access flow
func (m *MetricsCollector) RecordFlow(flow, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(flow, status, m.serviceName).Inc()
	m.flowDuration.WithLabelValues(flow, m.serviceName).Observe(duration.Seconds())
}

// RecordLedgerTransaction records ledger transaction metrics
func (m *MetricsCollector) RecordLedgerTransaction(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTransactionsTotal.WithLabelValues(method, status, m.serviceName).Inc()
	m.ledgerTransactionDuration.WithLabelValues(method, m.serviceName).Observe(duration.Seconds())
}

// RecordStoreOperation records document store metrics
func (m *MetricsCollector) RecordStoreOperation(backend, operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.storeOperationsTotal.WithLabelValues(backend, operation, status, m.serviceName).Inc()
	m.storeOperationDuration.WithLabelValues(backend, operation, m.serviceName).Observe(duration.Seconds())
}

// RecordPHIAccess records PHI access metrics
func (m *MetricsCollector) RecordPHIAccess(role, action, status string) {
	if m == nil {
		return
	}
	m.phiAccessTotal.WithLabelValues(role, action, status, m.serviceName).Inc()
}

// RecordRetrievedEntry counts one retrieved entry by payload format
func (m *MetricsCollector) RecordRetrievedEntry(format string) {
	if m == nil {
		return
	}
	m.retrievedEntries.WithLabelValues(format, m.serviceName).Inc()
}

// RecordOrphanedPayload counts a payload left unreachable by a failed append
func (m *MetricsCollector) RecordOrphanedPayload() {
	if m == nil {
		return
	}
	m.orphanedPayloads.WithLabelValues(m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	if m == nil {
		return
	}
	m.systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
