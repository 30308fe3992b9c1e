package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atom_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atom_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atom_realtime_connections",
			Help: "Open websocket connections",
		},
	)

	ChannelSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atom_channel_subscriptions",
			Help: "Active channel subscriptions across all connections",
		},
	)

	JoinsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_channel_joins_rejected_total",
			Help: "Channel joins refused by the authorizer",
		},
	)

	BroadcastsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atom_broadcasts_published_total",
			Help: "Envelopes published to the realtime bus",
		},
		[]string{"kind"}, // "broadcast" or "change"
	)

	BroadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atom_broadcast_failures_total",
			Help: "Broadcasts that failed after a durable write",
		},
		[]string{"event"},
	)

	EnvelopesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_envelopes_delivered_total",
			Help: "Frames queued to subscribers",
		},
	)

	EnvelopesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_envelopes_dropped_total",
			Help: "Frames dropped because a subscriber's send buffer was full",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_messages_sent_total",
			Help: "Chat messages inserted",
		},
	)

	NotificationsFannedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_notifications_fanned_out_total",
			Help: "Notification rows created by post fan-out",
		},
	)

	NotificationsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "atom_notifications_pruned_total",
			Help: "Read notifications removed by retention",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atom_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"operation"},
	)
)
