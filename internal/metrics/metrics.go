package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Connection metrics
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_connections_total",
			Help: "Total socket connections by admission outcome",
		},
		[]string{"outcome"}, // "authenticated", "degraded", "rejected"
	)

	DisconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_ws_disconnections_total",
			Help: "Total socket disconnections",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Currently open socket connections",
		},
	)

	// Channel metrics
	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_subscriptions_total",
			Help: "Channel subscriptions by channel and result",
		},
		[]string{"channel", "result"},
	)

	ChannelActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_actions_total",
			Help: "Inbound channel actions",
		},
		[]string{"channel", "action"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Inbound events denied by the rate limiter",
		},
		[]string{"scope"},
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_broadcasts_total",
			Help: "Stream broadcasts by result",
		},
		[]string{"result"}, // "ok", "retried", "dropped"
	)

	// Pipeline metrics
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_created_total",
			Help: "Persisted messages by sender kind",
		},
		[]string{"sender_kind"},
	)

	MessagesByType = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_by_type_total",
			Help: "Persisted messages by message type",
		},
		[]string{"message_type"},
	)

	MessageFanout = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_message_fanout_total",
			Help: "Message fan-out outcome per message",
		},
		[]string{"result"}, // "success", "error"
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_jobs_processed_total",
			Help: "Jobs processed by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_job_duration_seconds",
			Help:    "Job handler duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"kind"},
	)
)
