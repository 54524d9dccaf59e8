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

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SubmissionsTotal tracks orchestrator submissions by outcome.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_submissions_total",
			Help: "Total chat submissions by outcome",
		},
		[]string{"outcome"},
	)

	// CompletionErrorsTotal tracks classified completion failures.
	CompletionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_completion_errors_total",
			Help: "Completion failures by error kind",
		},
		[]string{"kind"},
	)

	// StreamDuration tracks how long a completion stream took to settle.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Completion stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// QuotaRejectionsTotal counts anonymous submissions refused by the daily quota.
	QuotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_quota_rejections_total",
			Help: "Anonymous submissions rejected by the daily quota",
		},
	)

	// TitleGenerationsTotal tracks detached title generation runs.
	TitleGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_title_generations_total",
			Help: "Conversation title generations by status",
		},
		[]string{"status"},
	)

	// CacheLookupsTotal tracks conversation cache hits and misses.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_cache_lookups_total",
			Help: "Conversation cache lookups by result",
		},
		[]string{"result"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records the duration of a settled completion stream.
func RecordStream(model, status string, duration float64) {
	StreamDuration.WithLabelValues(model, status).Observe(duration)
}

// RecordCacheLookup records a conversation cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
