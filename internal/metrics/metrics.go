// Package metrics registers the Prometheus collectors for the chat backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts message:send frames that reached the bridge.
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_messages_processed_total",
		Help: "Number of message:send frames processed by the bridge.",
	})

	// RateLimitedFrames counts inbound frames dropped by the per-connection
	// rate limiter.
	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_rate_limited_frames_total",
		Help: "Number of inbound frames dropped by the per-connection rate limiter.",
	})

	// StreamErrors counts provider stream failures by error kind.
	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_stream_errors_total",
		Help: "Number of provider stream failures by error kind.",
	}, []string{"kind"})

	// TokensUsed counts provider tokens by direction (input/output).
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_provider_tokens_total",
		Help: "Provider tokens consumed, by direction.",
	}, []string{"provider", "direction"})

	// CostUSD accumulates estimated provider spend.
	CostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_provider_cost_usd_total",
		Help: "Estimated provider spend in USD.",
	}, []string{"provider"})

	// StreamDuration observes wall time of provider streams.
	StreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatbridge_stream_duration_seconds",
		Help:    "Wall time of provider streaming calls.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"provider"})

	// BreakerRejections counts calls rejected by an open circuit breaker.
	BreakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_breaker_rejections_total",
		Help: "Calls rejected by an open circuit breaker.",
	})
)

// RegisterConnectionGauges exposes live index sizes from the hub as gauges.
func RegisterConnectionGauges(stats func() (connections, users, conversations int)) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatbridge_connections",
		Help: "Live websocket connections.",
	}, func() float64 {
		c, _, _ := stats()
		return float64(c)
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatbridge_users",
		Help: "Users with at least one live connection.",
	}, func() float64 {
		_, u, _ := stats()
		return float64(u)
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatbridge_conversations",
		Help: "Conversations with at least one attached connection.",
	}, func() float64 {
		_, _, v := stats()
		return float64(v)
	})
}
