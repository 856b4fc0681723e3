// Package observability provides Prometheus metrics, OpenTelemetry
// tracing, and the append-only security event log. All components use
// injected collaborators; nothing registers globally.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all sandbox metrics on a private registry.
type MetricsCollector struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	toolCallsTotal    *prometheus.CounterVec
	toolCallDuration  prometheus.Histogram
	securityEvents    *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter
	activeSessions    prometheus.Gauge
}

// NewMetricsCollector creates and registers all metrics.
func NewMetricsCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	m := &MetricsCollector{
		registry: registry,
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ngome_executions_total",
			Help: "Sandbox code executions by language and final status.",
		}, []string{"language", "status"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ngome_execution_duration_seconds",
			Help:    "Wall-clock duration of sandbox executions.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"language"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ngome_tool_calls_total",
			Help: "Bridged tool calls by status.",
		}, []string{"status"}),
		toolCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ngome_tool_call_duration_seconds",
			Help:    "Duration of bridged tool calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ngome_security_events_total",
			Help: "Security events by type.",
		}, []string{"event_type"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ngome_rate_limited_total",
			Help: "Executions rejected by rate limiting.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ngome_active_sessions",
			Help: "Live sandbox sessions.",
		}),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionDuration,
		m.toolCallsTotal,
		m.toolCallDuration,
		m.securityEvents,
		m.rateLimitedTotal,
		m.activeSessions,
	)
	return m
}

// RecordExecution records one finished execution.
func (m *MetricsCollector) RecordExecution(language, status string, duration time.Duration) {
	m.executionsTotal.WithLabelValues(language, status).Inc()
	m.executionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordToolCall records one bridged tool call.
func (m *MetricsCollector) RecordToolCall(status string, duration time.Duration) {
	m.toolCallsTotal.WithLabelValues(status).Inc()
	m.toolCallDuration.Observe(duration.Seconds())
}

// RecordSecurityEvent counts one security event by type.
func (m *MetricsCollector) RecordSecurityEvent(eventType string) {
	m.securityEvents.WithLabelValues(eventType).Inc()
}

// RecordRateLimited counts one rate-limited execution.
func (m *MetricsCollector) RecordRateLimited() {
	m.rateLimitedTotal.Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *MetricsCollector) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Registry exposes the private registry for test assertions.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving this registry.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
