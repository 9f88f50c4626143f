package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay. Scraped at /metrics and visualized in
// Grafana; names are stable, treat renames as breaking.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Upgrade requests rejected before the socket was established",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Connection closures by close code",
	}, []string{"code"})

	// Channel actor metrics
	ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_channels_active",
		Help: "Current number of live channel actors",
	})

	ChannelsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_channels_evicted_total",
		Help: "Channel actors evicted after their idle period",
	})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Inbound frames by packet type",
	}, []string{"type"})

	FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_rejected_total",
		Help: "Inbound frames rejected by the codec or actor",
	}, []string{"reason"})

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "Publishes accepted and sequenced by a channel actor",
	})

	MessagesFannedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_fanned_out_total",
		Help: "Per-recipient deliveries enqueued by fan-out",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_sent_total",
		Help: "Total bytes handed to client egress queues",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_received_total",
		Help: "Total bytes read from client sockets",
	})

	SlowClientsClosed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_clients_closed_total",
		Help: "Connections closed for exceeding their egress byte budget",
	})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_frames_total",
		Help: "Inbound frames dropped by per-connection rate limiting",
	})

	// Fan-out latency stages, milliseconds. Monotonic clock readings.
	FanoutStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_fanout_stage_duration_ms",
		Help:    "Latency of broadcast stages measured inside the channel actor",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100},
	}, []string{"stage"})

	// Grant issuance metrics
	GrantsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_grants_issued_total",
		Help: "Grant tokens minted by the issuance service",
	})

	GrantCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_grant_cache_lookups_total",
		Help: "Grant cache probes by outcome (hit, miss, error)",
	}, []string{"outcome"})

	GrantsDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_grants_denied_total",
		Help: "Grant requests refused, by error kind",
	}, []string{"kind"})

	GrantIssueDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_grant_issue_duration_seconds",
		Help:    "Wall time of the full issueGrant pipeline",
		Buckets: prometheus.DefBuckets,
	})

	RateLimiterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limiter_decisions_total",
		Help: "Grant rate limiter outcomes (allow, deny, fail_open)",
	}, []string{"outcome"})

	// Usage shipper metrics
	UsageEventsBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_usage_events_total",
		Help: "Usage events accepted into the shipper buffer",
	})

	UsageEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_usage_events_dropped_total",
		Help: "Usage events dropped (buffer_full, delivery_failed)",
	}, []string{"reason"})

	UsageFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_usage_flushes_total",
		Help: "Usage webhook deliveries by outcome (ok, retry, failed)",
	}, []string{"outcome"})

	// Peer bridge metrics
	BridgeMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bridge_messages_total",
		Help: "Peer bridge traffic (published, received, dropped)",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ChannelsActive,
		ChannelsEvicted,
		FramesReceived,
		FramesRejected,
		MessagesPublished,
		MessagesFannedOut,
		BytesSent,
		BytesReceived,
		SlowClientsClosed,
		RateLimitedFrames,
		FanoutStageDuration,
		GrantsIssued,
		GrantCacheLookups,
		GrantsDenied,
		GrantIssueDuration,
		RateLimiterDecisions,
		UsageEventsBuffered,
		UsageEventsDropped,
		UsageFlushes,
		BridgeMessages,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
