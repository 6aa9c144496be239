package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values.
const (
	DirectionToAI        = "to_ai"
	DirectionToTelephony = "to_telephony"

	PeerTelephony = "telephony"
	PeerAI        = "ai"
)

// Metrics collects bridge metrics.
//
// The metrics tracked are:
//   - Active and completed calls with their outcome and duration
//   - Audio frames forwarded and dropped per direction
//   - Undecodable messages per peer
//   - Contract violations inside the bridge
//   - Recording pipeline results
//
// A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.CallStarted()
//	defer metrics.CallEnded("stop", time.Since(start).Seconds())
type Metrics struct {
	// ActiveCalls is the number of calls currently bridged.
	ActiveCalls prometheus.Gauge

	// CallsTotal counts finished calls.
	// Labels: outcome (stop|telephony_closed|telephony_error|ai_closed|ai_error|dial_failed|shutdown)
	CallsTotal *prometheus.CounterVec

	// CallDuration measures call lifetime in seconds.
	// Buckets: 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s
	CallDuration prometheus.Histogram

	// FramesForwarded counts relayed audio frames.
	// Labels: direction (to_ai|to_telephony)
	FramesForwarded *prometheus.CounterVec

	// FramesDropped counts audio frames that were not relayed.
	// Labels: direction, reason (not_configured|no_stream|send_failed|closed)
	FramesDropped *prometheus.CounterVec

	// ProtocolErrors counts undecodable messages.
	// Labels: peer (telephony|ai)
	ProtocolErrors *prometheus.CounterVec

	// BridgeErrors counts internal errors.
	// Labels: kind (invalid_state|send_failed|template)
	BridgeErrors *prometheus.CounterVec

	// RecordingsTotal counts processed recordings.
	// Labels: status (forwarded|skipped|failed)
	RecordingsTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voicebridge_active_calls",
				Help: "Current number of bridged calls",
			},
		),

		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_calls_total",
				Help: "Total number of finished calls by outcome",
			},
			[]string{"outcome"},
		),

		CallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voicebridge_call_duration_seconds",
				Help:    "Duration of bridged calls in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		FramesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_forwarded_total",
				Help: "Total number of audio frames relayed by direction",
			},
			[]string{"direction"},
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_dropped_total",
				Help: "Total number of audio frames dropped by direction and reason",
			},
			[]string{"direction", "reason"},
		),

		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_protocol_errors_total",
				Help: "Total number of undecodable messages by peer",
			},
			[]string{"peer"},
		),

		BridgeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_bridge_errors_total",
				Help: "Total number of internal bridge errors by kind",
			},
			[]string{"kind"},
		),

		RecordingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_recordings_total",
				Help: "Total number of recording callbacks processed by status",
			},
			[]string{"status"},
		),
	}
}

// CallStarted increments the active calls gauge.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

// CallEnded decrements the active calls gauge and records the outcome and duration.
//
// Example:
//
//	metrics.CallEnded("ai_error", time.Since(start).Seconds())
func (m *Metrics) CallEnded(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(durationSeconds)
}

// FrameForwarded counts one relayed frame.
func (m *Metrics) FrameForwarded(direction string) {
	if m == nil {
		return
	}
	m.FramesForwarded.WithLabelValues(direction).Inc()
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped(direction, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(direction, reason).Inc()
}

// ProtocolError counts one undecodable message from peer.
func (m *Metrics) ProtocolError(peer string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(peer).Inc()
}

// BridgeError counts one internal error.
func (m *Metrics) BridgeError(kind string) {
	if m == nil {
		return
	}
	m.BridgeErrors.WithLabelValues(kind).Inc()
}

// RecordingProcessed counts one recording callback.
func (m *Metrics) RecordingProcessed(status string) {
	if m == nil {
		return
	}
	m.RecordingsTotal.WithLabelValues(status).Inc()
}
