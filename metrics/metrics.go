package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Frame error reasons used as label values
const (
	ReasonLength      = "length"
	ReasonHeader      = "header"
	ReasonChecksum    = "checksum"
	ReasonRange       = "range"
	ReasonCalibration = "calibration"
)

// Metrics holds the node's Prometheus collectors
type Metrics struct {
	FramesDecoded    prometheus.Counter
	FrameErrors      *prometheus.CounterVec
	BytesSkipped     prometheus.Counter
	MessagesApplied  prometheus.Counter
	MessagesRejected prometheus.Counter
	MessagesDropped  prometheus.Counter
	Broadcasts       prometheus.Counter
	BroadcastErrors  prometheus.Counter
	StorageErrors    prometheus.Counter
	StorageLatency   prometheus.Histogram
	StorageDropped   prometheus.Counter
	PeersEvicted     prometheus.Counter
	NodesKnown       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_frames_decoded_total",
			Help: "Sensor frames decoded successfully.",
		}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airmesh_frame_errors_total",
			Help: "Sensor frames discarded, by reason.",
		}, []string{"reason"}),
		BytesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_serial_bytes_skipped_total",
			Help: "Serial bytes dropped while searching for a frame header.",
		}),
		MessagesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_messages_applied_total",
			Help: "Peer messages applied to the store.",
		}),
		MessagesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_messages_rejected_total",
			Help: "Peer messages rejected as malformed or out of range.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_messages_dropped_total",
			Help: "Peer messages dropped because the inbound queue was full.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_broadcasts_total",
			Help: "Readings documents broadcast.",
		}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_broadcast_errors_total",
			Help: "Broadcast attempts that failed.",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_storage_errors_total",
			Help: "History records that failed to persist in at least one backend.",
		}),
		StorageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "airmesh_storage_write_seconds",
			Help:    "Time spent writing one history record to all backends.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		StorageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_storage_dropped_total",
			Help: "History records dropped because the storage queue was full.",
		}),
		PeersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airmesh_peers_evicted_total",
			Help: "Peers evicted after exceeding the peer TTL.",
		}),
		NodesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "airmesh_nodes_known",
			Help: "Nodes currently held in the readings store, local node included.",
		}),
	}

	reg.MustRegister(
		m.FramesDecoded,
		m.FrameErrors,
		m.BytesSkipped,
		m.MessagesApplied,
		m.MessagesRejected,
		m.MessagesDropped,
		m.Broadcasts,
		m.BroadcastErrors,
		m.StorageErrors,
		m.StorageLatency,
		m.StorageDropped,
		m.PeersEvicted,
		m.NodesKnown,
	)
	return m
}
