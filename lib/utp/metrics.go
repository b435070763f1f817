package utp

import "github.com/prometheus/client_golang/prometheus"

// metrics groups the process-wide counters/gauges a Manager exposes,
// mirroring the way syncthing's lib/connections registers its transport
// metrics onto a shared *prometheus.Registry (one set of collectors per
// running manager, labeled by nothing finer than the metric itself since
// per-connection cardinality would blow up with short-lived flows).
type metrics struct {
	packetsReceived prometheus.Counter
	packetsSent     prometheus.Counter
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	resetsSent      prometheus.Counter
	resetsRateLimited prometheus.Counter
	fastRetransmits prometheus.Counter
	mtuProbesAccepted prometheus.Counter
	mtuProbesRejected prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsFailed prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "packets_received_total",
			Help: "Number of uTP datagrams received.",
		}),
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "packets_sent_total",
			Help: "Number of uTP datagrams sent.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "bytes_received_total",
			Help: "Datagram bytes (uTP headers included) received across all connections.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "bytes_sent_total",
			Help: "Datagram bytes (uTP headers included) sent across all connections.",
		}),
		resetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "resets_sent_total",
			Help: "ST_RESET packets sent in reply to unmatched datagrams.",
		}),
		resetsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "resets_rate_limited_total",
			Help: "Unmatched datagrams dropped instead of reset because of the per-peer rate limit.",
		}),
		fastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "fast_retransmits_total",
			Help: "Packets resent due to duplicate acks or SACK loss detection rather than RTO.",
		}),
		mtuProbesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "mtu_probes_accepted_total",
			Help: "Path MTU discovery probes that were acked.",
		}),
		mtuProbesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "mtu_probes_rejected_total",
			Help: "Path MTU discovery probes that timed out or were rejected.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goutp", Name: "connections_active",
			Help: "Connections currently attached to a manager.",
		}),
		connectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goutp", Name: "connections_failed_total",
			Help: "Connections that transitioned to error_wait.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.packetsReceived, m.packetsSent, m.bytesReceived, m.bytesSent,
			m.resetsSent, m.resetsRateLimited, m.fastRetransmits,
			m.mtuProbesAccepted, m.mtuProbesRejected,
			m.connectionsActive, m.connectionsFailed,
		)
	}
	return m
}
