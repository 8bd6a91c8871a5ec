// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Socket state, frame rates and reconnects
//   - Push round-trip latency
//   - Forwarded change events and queue depth
//   - Sink write outcomes
//   - Session refreshes
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Socket metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connection_state",
			Help: "Socket state (0=disconnected, 1=connecting, 2=connected, 3=closed)",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_frames_received_total",
			Help: "Total number of frames received by event",
		},
		[]string{"event"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_frames_sent_total",
			Help: "Total number of frames sent by event",
		},
		[]string{"event"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Total number of successful reconnections",
		},
	)

	PushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_push_duration_seconds",
			Help:    "Round trip time between a push and its reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event", "status"},
	)

	// Channel metrics
	ChannelJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_joins_total",
			Help: "Total number of channel join attempts by outcome",
		},
		[]string{"topic", "status"},
	)

	ChangesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_changes_received_total",
			Help: "Total number of postgres change events received",
		},
		[]string{"schema", "table", "type"},
	)

	// Forwarder metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_queue_depth",
			Help: "Events waiting in a queue",
		},
		[]string{"queue"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "Events dropped from a full or closed queue",
		},
		[]string{"queue"},
	)

	// Sink metrics
	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_sink_writes_total",
			Help: "Total number of change records written per sink",
		},
		[]string{"sink", "status"},
	)

	SinkFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_sink_flush_duration_seconds",
			Help:    "Duration of a sink batch write",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// Auth metrics
	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_session_refreshes_total",
			Help: "Total number of session refresh attempts by outcome",
		},
		[]string{"status"},
	)
)
