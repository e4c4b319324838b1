package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	RoomsActive       prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	Frames            *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	BroadcastSkipped  prometheus.Counter
	AuthRejections    *prometheus.CounterVec
	CodeCache         *prometheus.CounterVec
	SnapshotWrites    *prometheus.CounterVec
	SnapshotDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const namespace = "whiteboard"

	m := &Metrics{
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently held in memory",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open websocket connections",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by message type",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed for protocol violations",
		}, []string{"reason"}),
		BroadcastSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_skipped_total",
			Help:      "Frames not delivered because the peer queue was full or closed",
		}),
		AuthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "Rejected room authorizations by reason",
		}, []string{"reason"}),
		CodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_cache_lookups_total",
			Help:      "Access code cache lookups by result",
		}, []string{"result"}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot flushes by result",
		}, []string{"result"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Time spent saving and pruning a snapshot",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RoomsActive,
			m.ConnectionsActive,
			m.Frames,
			m.ProtocolErrors,
			m.BroadcastSkipped,
			m.AuthRejections,
			m.CodeCache,
			m.SnapshotWrites,
			m.SnapshotDuration,
		)
	}
	return m
}
