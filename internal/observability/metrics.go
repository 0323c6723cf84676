package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the streaming gateway.
//
// Tracked concerns:
//   - turn throughput and outcomes
//   - edit throttling effectiveness (emitted vs suppressed)
//   - tool dispatch latency and failures
//   - cache effectiveness
//   - pool and circuit health
type Metrics struct {
	// TurnCounter counts conversational turns by outcome.
	// Labels: outcome (completed|cancelled|failed|rate_limited|capacity)
	TurnCounter *prometheus.CounterVec

	// EditCounter counts delivery-sink operations.
	// Labels: kind (render|edit|final), status (success|error)
	EditCounter *prometheus.CounterVec

	// EditsSuppressed counts text deltas absorbed by the throttle.
	EditsSuppressed prometheus.Counter

	// ToolCallCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout|cached)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// CacheCounter counts cache lookups.
	// Labels: cache, result (hit|miss)
	CacheCounter *prometheus.CounterVec

	// SessionsByState gauges the pool's sessions per lifecycle state.
	// Labels: state
	SessionsByState *prometheus.GaugeVec

	// CircuitTransitions counts circuit breaker state changes.
	// Labels: session, to
	CircuitTransitions *prometheus.CounterVec

	// Reconnects counts transport reconnection attempts.
	// Labels: session, status (success|failure)
	Reconnects *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics with reg. Pass
// prometheus.DefaultRegisterer for the standard /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_turns_total",
				Help: "Total conversational turns by outcome",
			},
			[]string{"outcome"},
		),
		EditCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_edits_total",
				Help: "Delivery sink render/edit operations by status",
			},
			[]string{"kind", "status"},
		),
		EditsSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "concierge_edits_suppressed_total",
				Help: "Text deltas absorbed by the edit throttle",
			},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_tool_calls_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concierge_tool_call_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_cache_lookups_total",
				Help: "Cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),
		SessionsByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "concierge_pool_sessions",
				Help: "Streaming sessions per lifecycle state",
			},
			[]string{"state"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_circuit_transitions_total",
				Help: "Circuit breaker transitions by session and target state",
			},
			[]string{"session", "to"},
		),
		Reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_reconnects_total",
				Help: "Transport reconnection attempts by session and status",
			},
			[]string{"session", "status"},
		),
	}
}

// NopMetrics returns metrics backed by a throwaway registry, for tests and
// for components constructed without observability wiring.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
