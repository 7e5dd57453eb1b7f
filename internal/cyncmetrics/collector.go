// Package cyncmetrics exposes the bridge's Prometheus metrics.
package cyncmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "cyncd"
	subsystem = "bridge"
)

// Label names for bridge metrics.
const (
	labelKind    = "kind"
	labelReason  = "reason"
	labelOutcome = "outcome"
	labelConnID  = "conn_id"
	labelState   = "state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Bridge Metrics
// -------------------------------------------------------------------------

// Collector holds all bridge Prometheus metrics.
//
// It implements the session engine's and dispatcher's reporter
// interfaces, so one Collector instance is shared across the daemon.
type Collector struct {
	// PacketsReceived counts inbound device packets per kind.
	PacketsReceived *prometheus.CounterVec

	// PacketsSent counts outbound packets per kind.
	PacketsSent *prometheus.CounterVec

	// DecodeErrors counts dropped frames per decode failure reason.
	DecodeErrors *prometheus.CounterVec

	// Retransmits counts command retransmissions.
	Retransmits prometheus.Counter

	// AckOutcomes counts command completions per outcome
	// (matched, timeout, idempotent_drop).
	AckOutcomes *prometheus.CounterVec

	// HandshakeOutcomes counts handshake completions per outcome.
	HandshakeOutcomes *prometheus.CounterVec

	// Disconnects counts session teardowns per reason.
	Disconnects *prometheus.CounterVec

	// SessionState is a per-session gauge set to 1 for the current FSM
	// state label.
	SessionState *prometheus.GaugeVec

	// DedupSize is the per-session dedup cache entry count.
	DedupSize *prometheus.GaugeVec

	// DedupHits counts suppressed device retransmissions.
	DedupHits prometheus.Counter

	// DedupEvictions counts dedup entries removed by TTL or capacity.
	DedupEvictions prometheus.Counter

	// CommandLatency observes acknowledged command round-trip time.
	CommandLatency prometheus.Histogram

	// DispatchFailures counts failed dispatches per reason.
	DispatchFailures *prometheus.CounterVec

	// PrimaryFlips counts primary-session changes per target.
	PrimaryFlips prometheus.Counter

	// RefreshLatency observes post-command refresh round-trip time
	// against its 500 ms budget.
	RefreshLatency prometheus.Histogram

	// RegistryLockHold observes registry write critical-section time.
	RegistryLockHold prometheus.Histogram

	// BrokerReconnects counts MQTT broker reconnections.
	BrokerReconnects prometheus.Counter
}

// NewCollector creates a Collector with all bridge metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "cyncd_bridge_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsReceived,
		c.PacketsSent,
		c.DecodeErrors,
		c.Retransmits,
		c.AckOutcomes,
		c.HandshakeOutcomes,
		c.Disconnects,
		c.SessionState,
		c.DedupSize,
		c.DedupHits,
		c.DedupEvictions,
		c.CommandLatency,
		c.DispatchFailures,
		c.PrimaryFlips,
		c.RefreshLatency,
		c.RegistryLockHold,
		c.BrokerReconnects,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering
// them.
func newMetrics() *Collector {
	return &Collector{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total device packets received, by kind.",
		}, []string{labelKind}),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total packets sent to devices, by kind.",
		}, []string{labelKind}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "decode_errors_total",
			Help:      "Total frames dropped by the decoder, by reason.",
		}, []string{labelReason}),

		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmits_total",
			Help:      "Total command retransmissions.",
		}),

		AckOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ack_outcomes_total",
			Help:      "Command ACK outcomes: matched, timeout, or idempotent_drop.",
		}, []string{labelOutcome}),

		HandshakeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshake_outcomes_total",
			Help:      "Device handshake outcomes: ok or timeout.",
		}, []string{labelOutcome}),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Session teardowns, by reason.",
		}, []string{labelReason}),

		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_state",
			Help:      "Per-session FSM state; 1 for the current state label.",
		}, []string{labelConnID, labelState}),

		DedupSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dedup_entries",
			Help:      "Per-session dedup cache entry count.",
		}, []string{labelConnID}),

		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dedup_hits_total",
			Help:      "Total device retransmissions suppressed by the dedup cache.",
		}),

		DedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dedup_evictions_total",
			Help:      "Total dedup cache entries removed by TTL or capacity.",
		}),

		CommandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "command_latency_seconds",
			Help:      "Acknowledged command round-trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}),

		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_failures_total",
			Help:      "Failed command dispatches, by reason.",
		}, []string{labelReason}),

		PrimaryFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "primary_flips_total",
			Help:      "Primary-session changes across targets.",
		}),

		RefreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_latency_seconds",
			Help:      "Post-command state refresh round-trip time.",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 8), // 25ms .. ~3s
		}),

		RegistryLockHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "registry_lock_hold_seconds",
			Help:      "Registry write critical-section hold time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8), // 10µs .. ~160ms
		}),

		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broker_reconnects_total",
			Help:      "MQTT broker reconnections.",
		}),
	}
}

// -------------------------------------------------------------------------
// Session Reporter
// -------------------------------------------------------------------------

// IncPacketsReceived increments the inbound packet counter for a kind.
func (c *Collector) IncPacketsReceived(kind string) {
	c.PacketsReceived.WithLabelValues(kind).Inc()
}

// IncPacketsSent increments the outbound packet counter for a kind.
func (c *Collector) IncPacketsSent(kind string) {
	c.PacketsSent.WithLabelValues(kind).Inc()
}

// IncDecodeErrors increments the decode error counter for a reason.
func (c *Collector) IncDecodeErrors(reason string) {
	c.DecodeErrors.WithLabelValues(reason).Inc()
}

// IncRetransmits increments the retransmission counter.
func (c *Collector) IncRetransmits() {
	c.Retransmits.Inc()
}

// RecordAckOutcome increments the ACK outcome counter.
func (c *Collector) RecordAckOutcome(outcome string) {
	c.AckOutcomes.WithLabelValues(outcome).Inc()
}

// RecordHandshakeOutcome increments the handshake outcome counter.
func (c *Collector) RecordHandshakeOutcome(outcome string) {
	c.HandshakeOutcomes.WithLabelValues(outcome).Inc()
}

// IncDisconnects increments the disconnect counter for a reason.
func (c *Collector) IncDisconnects(reason string) {
	c.Disconnects.WithLabelValues(reason).Inc()
}

// SetSessionState marks the session's current FSM state. The previous
// state series for the connection is removed so exactly one label holds
// the value 1.
func (c *Collector) SetSessionState(connID, state string) {
	c.SessionState.DeletePartialMatch(prometheus.Labels{labelConnID: connID})
	c.SessionState.WithLabelValues(connID, state).Set(1)
}

// SetDedupSize sets the session's dedup cache entry gauge.
func (c *Collector) SetDedupSize(connID string, size int) {
	c.DedupSize.WithLabelValues(connID).Set(float64(size))
}

// IncDedupHits increments the dedup hit counter.
func (c *Collector) IncDedupHits() {
	c.DedupHits.Inc()
}

// IncDedupEvictions increments the dedup eviction counter.
func (c *Collector) IncDedupEvictions() {
	c.DedupEvictions.Inc()
}

// ObserveCommandLatency records an acknowledged command's round trip.
func (c *Collector) ObserveCommandLatency(d time.Duration) {
	c.CommandLatency.Observe(d.Seconds())
}

// RemoveSession deletes the per-session gauge series after a session is
// destroyed, keeping series cardinality bounded by live connections.
func (c *Collector) RemoveSession(connID string) {
	c.SessionState.DeletePartialMatch(prometheus.Labels{labelConnID: connID})
	c.DedupSize.DeleteLabelValues(connID)
}

// -------------------------------------------------------------------------
// Dispatcher Reporter
// -------------------------------------------------------------------------

// IncDispatchFailures increments the dispatch failure counter.
func (c *Collector) IncDispatchFailures(reason string) {
	c.DispatchFailures.WithLabelValues(reason).Inc()
}

// IncPrimaryFlips increments the primary-change counter.
func (c *Collector) IncPrimaryFlips() {
	c.PrimaryFlips.Inc()
}

// ObserveRefreshLatency records a post-command refresh round trip.
func (c *Collector) ObserveRefreshLatency(d time.Duration) {
	c.RefreshLatency.Observe(d.Seconds())
}

// -------------------------------------------------------------------------
// Registry & Broker
// -------------------------------------------------------------------------

// ObserveLockHold records a registry write critical-section duration.
func (c *Collector) ObserveLockHold(d time.Duration) {
	c.RegistryLockHold.Observe(d.Seconds())
}

// IncBrokerReconnects increments the MQTT reconnect counter.
func (c *Collector) IncBrokerReconnects() {
	c.BrokerReconnects.Inc()
}
