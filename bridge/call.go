package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentplexus/voicebridge/internal/observability"
	"github.com/agentplexus/voicebridge/realtime"
	"github.com/agentplexus/voicebridge/session"
	"github.com/agentplexus/voicebridge/transport"
)

// call is the handle both read loops of one call share. mu guards session,
// ai, logger and err.
type call struct {
	bridge     *Bridge
	tel        TelephonyConn
	span       trace.Span
	cancelDial context.CancelFunc
	base       *slog.Logger
	wg         sync.WaitGroup

	mu      sync.Mutex
	session *session.CallSession
	ai      AIConn
	logger  *slog.Logger
	err     error
}

// configError reports that the realtime session could not be configured.
// It ends the call.
type configError struct {
	err error
}

func (e *configError) Error() string { return "configure realtime session: " + e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// runTelephony reads the telephony peer until its event channel closes.
func (c *call) runTelephony() {
	for ev := range c.tel.Events() {
		if err := c.handleTelephony(ev); err != nil {
			c.fail(err)
		}
	}
	c.teardown(OutcomeTelephonyClose, nil)
}

// runAI dials the realtime endpoint and reads it until its event channel closes.
func (c *call) runAI(ctx context.Context) {
	defer c.wg.Done()

	ai, err := c.bridge.dial(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.base.Error("realtime dial failed", "error", err)
		}
		c.teardown(OutcomeDialFailed, err)
		return
	}

	if err := c.attachAI(ai); err != nil {
		c.fail(err)
		c.teardown(OutcomeConfigFailed, err)
	}

	for ev := range ai.Events() {
		if err := c.handleAI(ev); err != nil {
			c.fail(err)
		}
	}
	c.teardown(OutcomeAIClose, nil)
}

// attachAI records the freshly opened realtime socket. A socket that opens
// after teardown is closed at once.
func (c *call) attachAI(ai AIConn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Closed() {
		c.logger.Debug("closing realtime socket opened after teardown")
		_ = ai.Close()
		return nil
	}

	if err := c.bridge.registry.AttachAIPeer(c.session, ai); err != nil {
		_ = ai.Close()
		return err
	}
	c.ai = ai
	c.logger.Debug("realtime socket open")

	if c.session.NotifyAIOpen() {
		return c.configureLocked()
	}
	return nil
}

func (c *call) handleTelephony(ev transport.Event) error {
	switch e := ev.(type) {
	case transport.ConnectedEvent:
		c.base.Debug("media stream connected", "protocol", e.Protocol, "version", e.Version)
		return nil

	case transport.StartEvent:
		return c.onStart(e)

	case transport.MediaEvent:
		return c.onTelephonyMedia(e.Payload)

	case transport.MarkEvent:
		c.base.Debug("caller heard response", "mark", e.Name)
		return nil

	case transport.DTMFEvent:
		c.base.Info("dtmf received", "digit", e.Digit)
		return nil

	case transport.StopEvent:
		c.teardown(OutcomeStop, nil)
		return nil

	case transport.ErrorEvent:
		c.teardown(OutcomeTelephonyError, e.Err)
		return nil

	case transport.UnknownEvent:
		c.base.Debug("ignoring media stream event", "event", e.Name)
		return nil

	default:
		return nil
	}
}

func (c *call) handleAI(ev realtime.ServerEvent) error {
	switch e := ev.(type) {
	case realtime.SessionCreated:
		c.base.Debug("realtime session created", "session_id", e.SessionID)
		return nil

	case realtime.SessionUpdated:
		c.base.Debug("realtime session updated", "session_id", e.SessionID)
		return nil

	case realtime.AudioDelta:
		return c.onAIAudio(e.Delta)

	case realtime.ResponseDone:
		return c.onResponseDone(e)

	case realtime.SpeechStarted:
		return c.onSpeechStarted()

	case realtime.SpeechStopped:
		c.base.Debug("caller speech stopped", "audio_end_ms", e.AudioEndMs)
		return nil

	case realtime.ErrorEvent:
		c.base.Error("realtime error event", "type", e.Err.Type, "code", e.Err.Code, "message", e.Err.Message)
		c.teardown(OutcomeAIError, e.Err)
		return nil

	case realtime.ClosedEvent:
		if e.Err != nil {
			c.teardown(OutcomeAIError, e.Err)
		} else {
			c.teardown(OutcomeAIClose, nil)
		}
		return nil

	case realtime.UnknownEvent:
		return nil

	default:
		return nil
	}
}

// onStart records the stream identity and configures the session if the
// realtime socket is already open.
func (c *call) onStart(e transport.StartEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Closed() {
		return nil
	}

	label := e.Parameter(c.bridge.cfg.CallerParameter)
	configurable, err := c.session.NotifyTelephonyStart(e.StreamSID, e.CallSID, label)
	if errors.Is(err, session.ErrAlreadyStarted) {
		if c.session.WarnOnce(session.WarnRepeatedStart) {
			c.logger.Warn("ignoring repeated start event", "ignored_stream_sid", e.StreamSID)
		}
		return nil
	}
	if err != nil {
		return err
	}

	c.logger = c.logger.With("stream_sid", e.StreamSID, "call_sid", e.CallSID)
	c.span.SetAttributes(
		attribute.String(observability.AttrStreamSID, e.StreamSID),
		attribute.String(observability.AttrCallSID, e.CallSID),
	)
	c.logger.Info("media stream started", "caller", c.session.CallerLabel())

	if configurable {
		return c.configureLocked()
	}
	return nil
}

// configureLocked sends the session configuration followed by the opening
// turn. The caller holds c.mu and the session is configurable.
func (c *call) configureLocked() error {
	instructions, opening, err := c.bridge.prompts.render(c.session.CallerLabel())
	if err != nil {
		c.bridge.metrics.BridgeError("template")
		return &configError{err: err}
	}

	if err := c.session.MarkConfigSent(); err != nil {
		return err
	}
	update := realtime.SessionUpdate{Session: c.bridge.cfg.sessionConfig(instructions)}
	if err := c.ai.Send(update); err != nil {
		c.bridge.metrics.BridgeError(dropSendFailed)
		return &configError{err: err}
	}

	if err := c.session.MarkOpeningTurnSent(); err != nil {
		return err
	}
	if err := c.ai.Send(realtime.ResponseCreate{Response: c.bridge.cfg.responseConfig(opening)}); err != nil {
		c.bridge.metrics.BridgeError(dropSendFailed)
		return &configError{err: err}
	}

	c.logger.Info("realtime session configured", "voice", c.bridge.cfg.Voice)
	return nil
}

// onTelephonyMedia appends one caller frame to the realtime input buffer.
func (c *call) onTelephonyMedia(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics := c.bridge.metrics
	if c.session.Closed() {
		metrics.FrameDropped(observability.DirectionToAI, dropClosed)
		return nil
	}
	if !c.session.CanForwardToAI() {
		metrics.FrameDropped(observability.DirectionToAI, dropNotConfigured)
		if c.session.WarnOnce(session.WarnEarlyTelephonyMedia) {
			c.logger.Warn("dropping caller audio received before the realtime session was configured",
				"state", c.session.State().String())
		}
		return nil
	}

	if err := c.ai.Send(realtime.InputAudioBufferAppend{Audio: payload}); err != nil {
		metrics.FrameDropped(observability.DirectionToAI, dropSendFailed)
		if c.session.WarnOnce(session.WarnSendFailed) {
			c.logger.Warn("dropping caller audio", "error", err)
		}
		return nil
	}
	metrics.FrameForwarded(observability.DirectionToAI)
	return nil
}

// onAIAudio sends one model audio chunk to the caller.
func (c *call) onAIAudio(delta string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics := c.bridge.metrics
	if c.session.Closed() {
		metrics.FrameDropped(observability.DirectionToTelephony, dropClosed)
		return nil
	}
	if !c.session.CanForwardToTelephony() {
		metrics.FrameDropped(observability.DirectionToTelephony, dropNoStream)
		if c.session.WarnOnce(session.WarnEarlyAIAudio) {
			c.logger.Warn("dropping model audio received before the media stream started")
		}
		return nil
	}

	if err := c.tel.SendMedia(c.session.StreamID(), delta); err != nil {
		metrics.FrameDropped(observability.DirectionToTelephony, dropSendFailed)
		if c.session.WarnOnce(session.WarnSendFailed) {
			c.logger.Warn("dropping model audio", "error", err)
		}
		return nil
	}
	metrics.FrameForwarded(observability.DirectionToTelephony)
	return nil
}

// onResponseDone marks the end of a model turn on the media stream so the
// caller's playback of it is logged when Twilio echoes the mark.
func (c *call) onResponseDone(e realtime.ResponseDone) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("response done", "response_id", e.ResponseID, "status", e.Status)
	if c.session.Closed() || !c.session.CanForwardToTelephony() {
		return nil
	}

	name := e.ResponseID
	if name == "" {
		name = "response"
	}
	if err := c.tel.SendMark(c.session.StreamID(), name); err != nil {
		c.logger.Debug("mark failed", "error", err)
	}
	return nil
}

// onSpeechStarted drops model audio Twilio has queued so the caller can barge in.
func (c *call) onSpeechStarted() error {
	if !c.bridge.cfg.InterruptOnSpeech {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session.CanForwardToTelephony() {
		return nil
	}
	if err := c.tel.Clear(c.session.StreamID()); err != nil {
		c.logger.Debug("clear failed", "error", err)
		return nil
	}
	c.logger.Debug("caller speech started, playback cleared")
	return nil
}

// teardown closes both peers and disposes the session. Only the first call
// has any effect.
func (c *call) teardown(outcome string, cause error) {
	c.mu.Lock()
	if !c.session.Close() {
		c.mu.Unlock()
		return
	}
	c.err = cause
	ai := c.ai
	logger := c.logger

	c.cancelDial()
	_ = c.tel.Close()
	if ai != nil {
		_ = ai.Close()
	}
	c.bridge.registry.Dispose(c.session)
	c.mu.Unlock()

	duration := time.Since(c.session.CreatedAt)
	c.bridge.metrics.CallEnded(outcome, duration.Seconds())

	c.span.SetAttributes(attribute.String(observability.AttrOutcome, outcome))
	if cause != nil {
		c.bridge.tracer.RecordError(c.span, cause)
		logger.Warn("call ended", "outcome", outcome, "duration", duration, "error", cause)
	} else {
		logger.Info("call ended", "outcome", outcome, "duration", duration)
	}
	c.span.End()
}

// fail handles an error returned by a handler. Configuration failures end
// the call; anything else is reported and the call continues.
func (c *call) fail(err error) {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		c.teardown(OutcomeConfigFailed, cfgErr.err)
		return
	}
	c.reportError(err)
}

// reportError logs and counts an error returned by a handler. Invalid-state
// errors are contract violations and are logged at error level.
func (c *call) reportError(err error) {
	kind := "internal"
	if errors.Is(err, session.ErrInvalidState) {
		kind = "invalid_state"
	}
	c.bridge.metrics.BridgeError(kind)
	c.base.Error("bridge handler failed", "kind", kind, "error", err)
}
