package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus instrumentation surface for one Session,
// grounded on the teacher's MetricsCollector/HealthMonitor (metrics.go,
// metrics_collector.go, health_monitor.go), generalized from a
// telephony-call-quality dashboard to the RTP session engine's own
// internals (jitter, RTO estimation, RTCP cadence, CC state).
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsLost     prometheus.Counter
	PacketsDup      prometheus.Counter
	Jitter          prometheus.Gauge
	RTT             prometheus.Gauge
	NacksSent       prometheus.Counter
	FalsePositives  prometheus.Counter
	CongestionWindow prometheus.Gauge
	PacingRate      prometheus.Gauge
	MembersActive   prometheus.Gauge
	RTCPInterval    prometheus.Gauge
}

// NewMetrics builds and registers one Session's metric set against reg.
// sessionID labels every metric so multiple sessions can share a
// registry, matching the teacher's per-session-ID metrics map.
func NewMetrics(reg prometheus.Registerer, sessionID string) *Metrics {
	labels := prometheus.Labels{"session_id": sessionID}
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "rtp", Name: name, Help: help, ConstLabels: labels})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	mg := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "rtp", Name: name, Help: help, ConstLabels: labels})
		if reg != nil {
			reg.MustRegister(g)
		}
		return g
	}
	return &Metrics{
		PacketsSent:      mk("packets_sent_total", "RTP packets sent"),
		PacketsReceived:  mk("packets_received_total", "RTP packets received"),
		BytesSent:        mk("bytes_sent_total", "RTP bytes sent"),
		BytesReceived:    mk("bytes_received_total", "RTP bytes received"),
		PacketsLost:      mk("packets_lost_total", "packets assumed lost by the RTO estimator"),
		PacketsDup:       mk("packets_duplicate_total", "duplicate packets observed"),
		Jitter:           mg("jitter_seconds", "RFC 3550 interarrival jitter estimate"),
		RTT:              mg("rtt_seconds", "last RTT computed from SR/RR"),
		NacksSent:        mk("nacks_sent_total", "Generic/MPRTP NACK packets sent"),
		FalsePositives:   mk("false_positives_total", "loss detector false positives"),
		CongestionWindow: mg("cc_congestion_window_bytes", "ACK-window scheduler cwnd"),
		PacingRate:       mg("cc_pacing_rate_bps", "current sending scheduler pacing rate"),
		MembersActive:    mg("members_active", "members currently tracked by the session database"),
		RTCPInterval:     mg("rtcp_interval_seconds", "last computed RTCP transmission interval"),
	}
}
