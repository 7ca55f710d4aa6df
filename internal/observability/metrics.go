package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec

	chatConnectionsTotal  prometheus.Counter
	chatConnectionsActive prometheus.Gauge
	chatMessagesAppended  *prometheus.CounterVec
	chatFramesDropped     prometheus.Counter
	chatProtocolErrors    *prometheus.CounterVec

	aiDispatchesTotal *prometheus.CounterVec

	retentionDeletedTotal prometheus.Counter
	telemetryDropped      prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the chat service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of control API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_latency_seconds",
			Help:    "Latency distribution for control API requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"method", "route"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of websocket connections accepted.",
		})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of currently open websocket connections.",
		})

		chatMessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Total number of messages durably appended.",
		}, []string{"kind"})

		chatFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Outbound frames dropped because a client queue was full.",
		})

		chatProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_protocol_errors_total",
			Help: "Error frames returned to clients by code.",
		}, []string{"code"})

		aiDispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_ai_dispatches_total",
			Help: "AI reply dispatches by outcome.",
		}, []string{"outcome"})

		retentionDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_retention_deleted_total",
			Help: "Messages hard-deleted by retention cleanup.",
		})

		telemetryDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_telemetry_dropped_total",
			Help: "Telemetry events dropped because the dispatcher buffer was full.",
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds,
			chatConnectionsTotal, chatConnectionsActive, chatMessagesAppended, chatFramesDropped, chatProtocolErrors,
			aiDispatchesTotal, retentionDeletedTotal, telemetryDropped,
		)
	})
}

// HTTPRequests exposes the counter for control API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for control API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// ChatConnectionsTotal counts accepted websocket connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatConnectionsActive tracks open websocket connections.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessagesAppended counts appended messages by kind.
func ChatMessagesAppended() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesAppended
}

// ChatFramesDropped counts frames dropped for slow consumers.
func ChatFramesDropped() prometheus.Counter {
	RegisterMetrics()
	return chatFramesDropped
}

// ChatProtocolErrors counts error frames by code.
func ChatProtocolErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatProtocolErrors
}

// AIDispatches counts AI dispatches by outcome (replied, failed, cancelled).
func AIDispatches() *prometheus.CounterVec {
	RegisterMetrics()
	return aiDispatchesTotal
}

// RetentionDeleted counts messages removed by retention cleanup.
func RetentionDeleted() prometheus.Counter {
	RegisterMetrics()
	return retentionDeletedTotal
}

// TelemetryDropped counts telemetry events dropped on overflow.
func TelemetryDropped() prometheus.Counter {
	RegisterMetrics()
	return telemetryDropped
}
