package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "agentdeck"

const chatSubsystem = "chat"

// ChatMetrics covers the chat exchange path, buffered and streamed.
type ChatMetrics struct {
	// ExchangesTotal counts exchanges by provider, mode and outcome.
	ExchangesTotal *prometheus.CounterVec

	// ExchangeDurationSeconds observes full exchange latency.
	ExchangeDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts provider-reported tokens by direction.
	TokensTotal *prometheus.CounterVec

	// StreamChunksTotal counts streamed fragments by provider.
	StreamChunksTotal *prometheus.CounterVec

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions prometheus.Gauge

	// SessionsStartedTotal counts session starts by provider and outcome.
	SessionsStartedTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keep-alive comments sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts streams cut short by the client.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide metrics instance, set by InitMetrics.
var DefaultMetrics *ChatMetrics

// InitMetrics registers the chat metrics with the default registry. Call
// once at startup.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		ExchangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "exchanges_total",
				Help:      "Total chat exchanges by provider, mode and status",
			},
			[]string{"provider", "mode", "status"},
		),

		ExchangeDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "exchange_duration_seconds",
				Help:      "Full exchange latency in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "mode"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Provider-reported tokens by direction and provider",
			},
			[]string{"direction", "provider"},
		),

		StreamChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_chunks_total",
				Help:      "Streamed reply fragments by provider",
			},
			[]string{"provider"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_sessions",
				Help:      "Number of live chat sessions",
			},
		),

		SessionsStartedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "sessions_started_total",
				Help:      "Session starts by provider and status",
			},
			[]string{"provider", "status"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE keep-alive comments sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Streams terminated early by the client",
			},
		),
	}
	return DefaultMetrics
}

// RecordExchange updates the counters shared by buffered and streamed
// exchanges. Safe to call with a nil DefaultMetrics.
func RecordExchange(provider, mode, status string, seconds float64, inputTokens, outputTokens int) {
	m := DefaultMetrics
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(provider, mode, status).Inc()
	m.ExchangeDurationSeconds.WithLabelValues(provider, mode).Observe(seconds)
	if inputTokens > 0 {
		m.TokensTotal.WithLabelValues("input", provider).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensTotal.WithLabelValues("output", provider).Add(float64(outputTokens))
	}
}
