package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Charge metrics
	ChargeAttemptsTotal    *prometheus.CounterVec
	ChargeOutcomesTotal    *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Scheduler metrics
	SchedulerRunsTotal   *prometheus.CounterVec
	SchedulerRunDuration prometheus.Histogram
	SchedulerSelected    prometheus.Gauge

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerWritesTotal    *prometheus.CounterVec
	LedgerWriteDuration  *prometheus.HistogramVec
	AccountCacheLookups  *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billrun_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ChargeAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_charge_attempts_total",
				Help: "Total number of gateway charge attempts by payment method and result",
			},
			[]string{"method", "status"},
		),
		ChargeOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_charge_outcomes_total",
				Help: "Total number of orchestrated charge outcomes",
			},
			[]string{"outcome"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billrun_gateway_duration_seconds",
				Help:    "Gateway charge request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"gateway", "method"},
		),

		SchedulerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_scheduler_runs_total",
				Help: "Total number of billing runs by trigger",
			},
			[]string{"trigger"},
		),
		SchedulerRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billrun_scheduler_run_duration_seconds",
				Help:    "Billing run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		SchedulerSelected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billrun_scheduler_selected_subscriptions",
				Help: "Number of subscriptions selected by the most recent billing run",
			},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_webhook_events_total",
				Help: "Total number of gateway webhook events by reconciliation result",
			},
			[]string{"result"},
		),

		LedgerWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_ledger_writes_total",
				Help: "Total number of ledger writes",
			},
			[]string{"operation", "status"},
		),
		LedgerWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billrun_ledger_write_duration_seconds",
				Help:    "Ledger write duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		AccountCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billrun_account_config_cache_lookups_total",
				Help: "Account payment configuration cache lookups",
			},
			[]string{"result"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billrun_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billrun_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ChargeAttemptsTotal,
		m.ChargeOutcomesTotal,
		m.GatewayRequestDuration,
		m.SchedulerRunsTotal,
		m.SchedulerRunDuration,
		m.SchedulerSelected,
		m.WebhookEventsTotal,
		m.LedgerWritesTotal,
		m.LedgerWriteDuration,
		m.AccountCacheLookups,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveGateway records the duration of one gateway call
func (m *Metrics) ObserveGateway(gateway, method string, started time.Time) {
	if m == nil {
		return
	}
	m.GatewayRequestDuration.WithLabelValues(gateway, method).Observe(time.Since(started).Seconds())
}

// RecordChargeAttempt counts one gateway attempt
func (m *Metrics) RecordChargeAttempt(method, status string) {
	if m == nil {
		return
	}
	m.ChargeAttemptsTotal.WithLabelValues(method, status).Inc()
}

// RecordChargeOutcome counts one orchestrated outcome
func (m *Metrics) RecordChargeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ChargeOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRun records one completed billing run
func (m *Metrics) RecordRun(trigger string, selected int, started time.Time) {
	if m == nil {
		return
	}
	m.SchedulerRunsTotal.WithLabelValues(trigger).Inc()
	m.SchedulerSelected.Set(float64(selected))
	m.SchedulerRunDuration.Observe(time.Since(started).Seconds())
}

// RecordWebhook counts one reconciled webhook event
func (m *Metrics) RecordWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(result).Inc()
}

// RecordLedgerWrite records a ledger write and its latency
func (m *Metrics) RecordLedgerWrite(operation string, err error, started time.Time) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LedgerWritesTotal.WithLabelValues(operation, status).Inc()
	m.LedgerWriteDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// RecordCacheLookup counts an account configuration cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.AccountCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.AccountCacheLookups.WithLabelValues("miss").Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
