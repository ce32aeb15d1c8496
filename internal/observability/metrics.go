// Package observability provides prometheus metrics and logging helpers for
// the gateway.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's prometheus instrumentation, registered once at
// startup and exposed on /metrics.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: agent, provider
	TurnDuration *prometheus.HistogramVec

	// TurnCounter counts turns by agent, provider, and status.
	// Labels: agent, provider, status (success|error)
	TurnCounter *prometheus.CounterVec

	// TokensUsed tracks provider token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|blocked)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and wire code.
	// Labels: component (gateway|session|tool|provider), code
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions gauges live sessions by channel.
	ActiveSessions *prometheus.GaugeVec

	// ActiveConnections gauges open control-plane connections.
	ActiveConnections prometheus.Gauge

	// DedupeHits counts idempotency-cache hits.
	DedupeHits prometheus.Counter

	// LockTimeouts counts session write-lock acquisition failures.
	LockTimeouts prometheus.Counter

	// HTTPRequestDuration measures facade request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all gauges, counters, and histograms on
// the default registry. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent", "provider"},
		),

		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total number of agent turns by agent, provider, and status",
			},
			[]string{"agent", "provider", "status"},
		),

		TokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors by component and wire code",
			},
			[]string{"component", "code"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Current number of live sessions by channel",
			},
			[]string{"channel"},
		),

		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_connections",
				Help: "Current number of open control-plane connections",
			},
		),

		DedupeHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dedupe_hits_total",
				Help: "Total number of idempotency cache hits",
			},
		),

		LockTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_lock_timeouts_total",
				Help: "Total number of session write lock acquisition timeouts",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP facade requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
