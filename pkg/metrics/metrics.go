// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionState tracks the current connection state per account.
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_state",
			Help: "Connection state per account (1 for the active state)",
		},
		[]string{"account_id", "state"},
	)

	// SendsTotal tracks outbound sends by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_sends_total",
			Help: "Outbound send attempts by outcome",
		},
		[]string{"account_id", "outcome"},
	)

	// ProviderCallDuration tracks AI provider call latency.
	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "AI provider call duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// ProviderCircuitState tracks breaker state per provider (0 closed, 1 half-open, 2 open).
	ProviderCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_state",
			Help: "Circuit breaker state per provider",
		},
		[]string{"provider"},
	)

	// SafetyEventsTotal tracks safety events raised per account.
	SafetyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_events_total",
			Help: "Safety events raised",
		},
		[]string{"account_id", "type", "severity"},
	)

	// SafetyVerdictsTotal tracks authorize outcomes.
	SafetyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_verdicts_total",
			Help: "SafetyGuard authorize verdicts",
		},
		[]string{"account_id", "verdict"},
	)

	// MessagesTotal tracks messages appended to conversations.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Messages appended by sender kind",
		},
		[]string{"tenant_id", "sender"},
	)

	// EscalationsTotal tracks conversations handed to a human.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Conversations escalated to human handling",
		},
		[]string{"tenant_id", "reason"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// EventsDropped tracks realtime events dropped on slow subscribers.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Realtime events dropped because a subscriber was slow",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordProviderCall records metrics for one AI provider call.
func RecordProviderCall(provider, status string, duration float64) {
	ProviderCallDuration.WithLabelValues(provider, status).Observe(duration)
}

// SetSessionState records a state transition for an account.
// The previous state's gauge is zeroed so only one state reads 1 at a time.
func SetSessionState(accountID, from, to string) {
	if from != "" {
		SessionState.WithLabelValues(accountID, from).Set(0)
	}
	SessionState.WithLabelValues(accountID, to).Set(1)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
