// Package metrics provides Prometheus metrics for the relay channel.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "comine_relay"
)

// Drop reasons for frames that are not dispatched.
const (
	DropUnknownDevice = "unknown_device"
	DropDecrypt       = "decrypt"
	DropMalformed     = "malformed"
	DropQueueFull     = "queue_full"
)

// Pairing request outcomes.
const (
	PairingPending     = "pending"
	PairingAccepted    = "accepted"
	PairingRejected    = "rejected"
	PairingRateLimited = "rate_limited"
)

// Metrics contains all Prometheus metrics for the host.
type Metrics struct {
	// Connection metrics
	Connected      prometheus.Gauge
	DialAttempts   prometheus.Counter
	DialFailures   prometheus.Counter
	Reconnects     prometheus.Counter
	HandshakeDelay prometheus.Histogram

	// Envelope metrics
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec

	// Command metrics
	Commands *prometheus.CounterVec

	// Pairing metrics
	PairingRequests *prometheus.CounterVec
	PairedDevices   prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 when the host is registered with the relay",
		}),
		DialAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Total relay dial attempts",
		}),
		DialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total failed relay dials, including failed host_hello sends",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total connection teardowns followed by a redial",
		}),
		HandshakeDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_seconds",
			Help:      "Time from dial start to host_ok",
			Buckets:   prometheus.DefBuckets,
		}),

		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes received from the relay by type",
		}, []string{"type"}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to the relay by type",
		}, []string{"type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped without dispatch by reason",
		}, []string{"reason"}),

		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Decrypted commands by type",
		}, []string{"type"}),

		PairingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_requests_total",
			Help:      "Pairing requests by outcome",
		}, []string{"result"}),
		PairedDevices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paired_devices",
			Help:      "Number of paired devices",
		}),
	}
}

// RecordDial records a dial attempt and its outcome.
func (m *Metrics) RecordDial(ok bool) {
	m.DialAttempts.Inc()
	if !ok {
		m.DialFailures.Inc()
	}
}

// RecordConnected marks the host as registered.
func (m *Metrics) RecordConnected(handshakeSeconds float64) {
	m.Connected.Set(1)
	m.HandshakeDelay.Observe(handshakeSeconds)
}

// RecordDisconnected marks the connection as torn down.
func (m *Metrics) RecordDisconnected(willReconnect bool) {
	m.Connected.Set(0)
	if willReconnect {
		m.Reconnects.Inc()
	}
}

// RecordEnvelopeReceived counts an inbound envelope.
func (m *Metrics) RecordEnvelopeReceived(envelopeType string) {
	m.EnvelopesReceived.WithLabelValues(envelopeType).Inc()
}

// RecordEnvelopeSent counts an outbound envelope.
func (m *Metrics) RecordEnvelopeSent(envelopeType string) {
	m.EnvelopesSent.WithLabelValues(envelopeType).Inc()
}

// RecordFrameDropped counts a frame that was not dispatched.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordCommand counts a decrypted command.
func (m *Metrics) RecordCommand(commandType string) {
	m.Commands.WithLabelValues(commandType).Inc()
}

// RecordPairingRequest counts a pairing request outcome.
func (m *Metrics) RecordPairingRequest(result string) {
	m.PairingRequests.WithLabelValues(result).Inc()
}

// SetPairedDevices sets the paired device gauge.
func (m *Metrics) SetPairedDevices(count int) {
	m.PairedDevices.Set(float64(count))
}
