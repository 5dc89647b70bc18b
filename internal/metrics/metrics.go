package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame directions
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

// Drop reasons
const (
	DropNotReady   = "not_ready"
	DropNoUpstream = "no_upstream"
	DropQueueFull  = "queue_full"
	DropBadPayload = "bad_payload"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionsReaped prometheus.Counter

	UpstreamSessionsOpened prometheus.Counter
	UpstreamSessionsFailed *prometheus.CounterVec
	UpstreamSetupDuration  prometheus.Histogram
	UpstreamEvents         *prometheus.CounterVec
	UpstreamGoAway         prometheus.Counter

	FramesForwarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	ParseErrors     *prometheus.CounterVec
}

// New creates the relay metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicerelay_active_connections",
			Help: "Current number of registered client connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_connections_total",
			Help: "Total number of client connections accepted",
		}),
		ConnectionsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_connections_reaped_total",
			Help: "Connections closed by the idle reaper",
		}),
		UpstreamSessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_upstream_sessions_opened_total",
			Help: "Upstream sessions whose socket opened",
		}),
		UpstreamSessionsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_upstream_sessions_failed_total",
			Help: "Upstream sessions that could not be opened",
		}, []string{"reason"}),
		UpstreamSetupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicerelay_upstream_setup_seconds",
			Help:    "Time from upstream dial to setup complete",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_upstream_events_total",
			Help: "Upstream protocol events by kind",
		}, []string{"kind"}),
		UpstreamGoAway: f.NewCounter(prometheus.CounterOpts{
			Name: "voicerelay_upstream_goaway_total",
			Help: "goAway notices received from the upstream",
		}),
		FramesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_frames_forwarded_total",
			Help: "Audio frames forwarded by direction",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_frames_dropped_total",
			Help: "Frames dropped by reason",
		}, []string{"reason"}),
		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicerelay_parse_errors_total",
			Help: "Unparseable messages by source",
		}, []string{"source"}),
	}
}
