package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_messages_sent_total",
			Help: "Total messages sent",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_send_failures_total",
			Help: "Total message sends rolled back after a store failure",
		},
	)

	ThreadMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_thread_merges_total",
			Help: "Total thread snapshot merges published",
		},
	)

	ConversationRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_conversation_refreshes_total",
			Help: "Total conversation list recomputations",
		},
	)

	MessagesMarkedRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_messages_marked_read_total",
			Help: "Total messages flipped to read",
		},
	)

	// Rate limit metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "olam_rate_limit_rejections_total",
			Help: "Total actions rejected by the rate limiter",
		},
		[]string{"action"},
	)

	// Liveness metrics
	TypingWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_typing_writes_total",
			Help: "Total typing markers written",
		},
	)

	PresenceWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "olam_presence_writes_total",
			Help: "Total presence heartbeats written",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "olam_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "olam_postgres_latency_seconds",
			Help:    "PostgreSQL operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

// ObservePostgres records elapsed time since start. Use with defer.
func ObservePostgres(start time.Time) {
	PostgresLatency.Observe(time.Since(start).Seconds())
}

// ObserveRedis records elapsed time since start. Use with defer.
func ObserveRedis(start time.Time) {
	RedisLatency.Observe(time.Since(start).Seconds())
}
