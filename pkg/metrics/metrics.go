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
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
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

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMChunksTotal tracks streamed chunks received from the provider.
	LLMChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_chunks_total",
			Help: "Total streamed chunks received from the model provider",
		},
		[]string{"model"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ChatTurnsTotal tracks chat turns by terminal status.
	ChatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total chat turns by terminal status",
		},
		[]string{"status"},
	)

	// SessionsActive tracks live session controllers.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live session controllers",
		},
	)

	// CooldownRejectionsTotal counts sends refused by the cooldown gate.
	CooldownRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cooldown_rejections_total",
			Help: "Chat sends rejected while a cooldown was active",
		},
	)

	// PaymentTransitionsTotal counts payment flow transitions by target state.
	PaymentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Payment approval flow transitions by target state",
		},
		[]string{"state"},
	)

	// PaymentSubmissionDuration tracks payment submission latency.
	PaymentSubmissionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_submission_duration_seconds",
			Help:    "Payment submission duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// BalanceQueryFailuresTotal counts balance lookups recovered to zero.
	BalanceQueryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balance_query_failures_total",
			Help: "Balance queries that failed and displayed zero",
		},
		[]string{"asset", "kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for a finished LLM stream.
func RecordLLMStream(model, status string, duration float64, chunks int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMChunksTotal.WithLabelValues(model).Add(float64(chunks))
	ChatTurnsTotal.WithLabelValues(status).Inc()
}

// RecordPaymentTransition records a payment flow transition.
func RecordPaymentTransition(state string) {
	PaymentTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordPaymentSubmission records the outcome of a payment submission.
func RecordPaymentSubmission(status string, duration float64) {
	PaymentSubmissionDuration.WithLabelValues(status).Observe(duration)
}

// RecordBalanceFailure records a balance query recovered to zero.
func RecordBalanceFailure(asset, kind string) {
	BalanceQueryFailuresTotal.WithLabelValues(asset, kind).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
