// Package bridge connects one Twilio Media Streams call to one OpenAI Realtime
// session.
//
// For every accepted telephony connection Serve creates a call session, dials
// the realtime endpoint concurrently and then:
//
//   - sends the session configuration once both the telephony start event and
//     the realtime socket have arrived, in either order, followed by exactly one
//     opening turn request;
//   - relays caller audio to the model and model audio to the caller, dropping
//     frames that arrive before their destination is addressable;
//   - closes the other side when either side stops, closes or fails, and
//     disposes the session exactly once.
//
// Both read loops of a call serialize through one mutex per call. Sends are
// queued on the peers' write loops and never wait for acknowledgement.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentplexus/voicebridge/internal/observability"
	"github.com/agentplexus/voicebridge/realtime"
	"github.com/agentplexus/voicebridge/session"
	"github.com/agentplexus/voicebridge/transport"
)

// Call outcomes reported in logs, metrics and traces.
const (
	OutcomeStop           = "stop"
	OutcomeTelephonyClose = "telephony_closed"
	OutcomeTelephonyError = "telephony_error"
	OutcomeAIClose        = "ai_closed"
	OutcomeAIError        = "ai_error"
	OutcomeDialFailed     = "dial_failed"
	OutcomeConfigFailed   = "config_failed"
	OutcomeShutdown       = "shutdown"
)

// Frame drop reasons.
const (
	dropNotConfigured = "not_configured"
	dropNoStream      = "no_stream"
	dropSendFailed    = "send_failed"
	dropClosed        = "closed"
)

// TelephonyConn is an accepted Media Streams connection.
type TelephonyConn interface {
	session.TelephonyPeer

	// SendMark queues a named mark behind the audio already sent. Twilio
	// echoes it once that audio has played.
	SendMark(streamID, name string) error

	// Events returns decoded stream events. The channel is closed when the
	// socket ends.
	Events() <-chan transport.Event
}

// AIConn is an open realtime connection.
type AIConn interface {
	session.AIPeer

	// Events returns decoded server events. The channel is closed when the
	// socket ends.
	Events() <-chan realtime.ServerEvent
}

// DialFunc opens the realtime connection of a call.
type DialFunc func(ctx context.Context) (AIConn, error)

// Verify interface compliance at compile time.
var (
	_ TelephonyConn = (*transport.Connection)(nil)
	_ AIConn        = (*realtime.Conn)(nil)
)

// RealtimeDialer adapts a realtime.Dialer to a DialFunc.
func RealtimeDialer(d *realtime.Dialer) DialFunc {
	return func(ctx context.Context) (AIConn, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Bridge serves calls.
type Bridge struct {
	registry *session.Registry
	dial     DialFunc
	cfg      Config
	prompts  *prompts
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Option configures the Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t *observability.Tracer) Option {
	return func(b *Bridge) {
		b.tracer = t
	}
}

// New creates a bridge. The instruction templates in cfg are parsed and
// test-rendered here so a broken template fails at startup, not mid-call.
func New(registry *session.Registry, dial DialFunc, cfg Config, opts ...Option) (*Bridge, error) {
	if registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if dial == nil {
		return nil, errors.New("bridge: dial function is required")
	}

	p, err := parsePrompts(cfg)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	b := &Bridge{
		registry: registry,
		dial:     dial,
		cfg:      cfg,
		prompts:  p,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "bridge")

	return b, nil
}

// ActiveCalls returns the number of calls currently bridged.
func (b *Bridge) ActiveCalls() int {
	return b.registry.Count()
}

// Serve bridges one telephony connection until the call ends. It owns tel and
// closes it before returning. Cancelling ctx ends the call.
//
// The returned error is the cause of an abnormal ending (a socket failure, a
// realtime error event, a failed dial or a configuration that could not be
// sent) and nil when either side ended the call normally.
func (b *Bridge) Serve(ctx context.Context, tel TelephonyConn) error {
	s := b.registry.Create(tel)

	ctx, span := b.tracer.StartCall(ctx, s.ID)
	dialCtx, cancelDial := context.WithCancel(ctx)

	c := &call{
		bridge:     b,
		session:    s,
		tel:        tel,
		span:       span,
		cancelDial: cancelDial,
		base:       b.logger.With("call_id", s.ID),
	}
	c.logger = c.base

	b.metrics.CallStarted()
	c.base.Info("call accepted")

	stop := context.AfterFunc(ctx, func() {
		c.teardown(OutcomeShutdown, nil)
	})
	defer stop()

	c.wg.Add(1)
	go c.runAI(dialCtx)

	c.runTelephony()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
