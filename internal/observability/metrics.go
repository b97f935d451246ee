package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exported on /metrics.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (telegram|discord|http), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ProviderRequestCounter counts model calls by provider and outcome.
	// Labels: provider, model, status (success|error|overflow_retry)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderRequestDuration measures model call latency in seconds.
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderFailoverCounter counts failovers away from a provider.
	// Labels: provider, reason
	ProviderFailoverCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool executions by terminal status.
	// Labels: tool_name, status
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// RateLimitCounter counts rejected requests by bucket kind.
	// Labels: kind (user|device)
	RateLimitCounter *prometheus.CounterVec

	// LoopIterations observes agentic loop iteration counts per run.
	LoopIterations prometheus.Histogram
}

// NewMetrics creates and registers all instruments with a fresh
// registry. The returned registry backs the /metrics handler.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owliabot_messages_total",
				Help: "Total messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owliabot_provider_requests_total",
				Help: "Total model provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owliabot_provider_request_duration_seconds",
				Help:    "Duration of model provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ProviderFailoverCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owliabot_provider_failovers_total",
				Help: "Total failovers away from a provider by reason",
			},
			[]string{"provider", "reason"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owliabot_tool_executions_total",
				Help: "Total tool executions by tool name and terminal status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "owliabot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),
		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "owliabot_rate_limited_total",
				Help: "Total requests rejected by rate limiting",
			},
			[]string{"kind"},
		),
		LoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "owliabot_loop_iterations",
				Help:    "Agentic loop iterations per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 25},
			},
		),
	}
	return m, reg
}

// RecordProviderRequest records one model call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, seconds float64) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(seconds)
}

// RecordFailover records a failover away from a provider.
func (m *Metrics) RecordFailover(provider, reason string) {
	m.ProviderFailoverCounter.WithLabelValues(provider, reason).Inc()
}
