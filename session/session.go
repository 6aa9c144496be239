// Package session holds per-call bridge state.
//
// A CallSession records everything the bridge knows about one phone call: the
// two peer handles, the Twilio stream identity, the caller label and the
// readiness flags that decide when configuration and audio may flow. The
// package performs no I/O; the bridge drives it from the events of both peers.
//
// CallSession is not safe for concurrent use. Its owner must serialize access,
// which the bridge does with one mutex per call.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentplexus/voicebridge/realtime"
)

var (
	// ErrInvalidState reports a transition the call's current state does not allow.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrAlreadyStarted reports a repeated telephony start event.
	ErrAlreadyStarted = errors.New("session: telephony stream already started")
)

// TelephonyPeer is the inbound Media Streams connection.
type TelephonyPeer interface {
	// SendMedia sends one base64 audio payload to the given stream.
	SendMedia(streamID, payload string) error

	// Clear asks Twilio to drop audio queued for playback on the stream.
	Clear(streamID string) error

	// Close closes the connection. Closing twice is a no-op.
	Close() error
}

// AIPeer is the outbound realtime connection.
type AIPeer interface {
	// Send sends one client event.
	Send(event realtime.ClientEvent) error

	// Close closes the connection. Closing twice is a no-op.
	Close() error
}

// WarnCategory keys the one-time warnings of a call.
type WarnCategory string

const (
	WarnEarlyTelephonyMedia WarnCategory = "early-telephony-media"
	WarnEarlyAIAudio        WarnCategory = "early-ai-audio"
	WarnRepeatedStart       WarnCategory = "repeated-start"
	WarnSendFailed          WarnCategory = "send-failed"
)

// CallSession is the state of one bridged call.
type CallSession struct {
	// ID correlates logs, metrics and traces for the call.
	ID string

	// CreatedAt is when the telephony connection was accepted.
	CreatedAt time.Time

	streamID    string
	callID      string
	callerLabel string

	telephony TelephonyPeer
	ai        AIPeer

	readiness Readiness
	closed    bool
	warned    map[WarnCategory]struct{}
}

func newCallSession(telephony TelephonyPeer, defaultLabel string) *CallSession {
	return &CallSession{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		callerLabel: defaultLabel,
		telephony:   telephony,
		warned:      make(map[WarnCategory]struct{}),
	}
}

// StreamID returns the Twilio stream SID, or "" before the start event.
func (s *CallSession) StreamID() string {
	return s.streamID
}

// CallID returns the Twilio call SID, or "" before the start event.
func (s *CallSession) CallID() string {
	return s.callID
}

// CallerLabel returns the display name used in the behaviour script.
func (s *CallSession) CallerLabel() string {
	return s.callerLabel
}

// Telephony returns the inbound peer.
func (s *CallSession) Telephony() TelephonyPeer {
	return s.telephony
}

// AI returns the outbound peer, or nil before it is attached.
func (s *CallSession) AI() AIPeer {
	return s.ai
}

// Readiness returns a copy of the readiness flags.
func (s *CallSession) Readiness() Readiness {
	return s.readiness
}

// State returns the gate state derived from the readiness flags.
func (s *CallSession) State() State {
	return s.readiness.State()
}

// Closed reports whether teardown has started.
func (s *CallSession) Closed() bool {
	return s.closed
}

// NotifyAIOpen records that the realtime socket is open. It reports whether the
// call just became configurable.
func (s *CallSession) NotifyAIOpen() bool {
	if s.closed {
		return false
	}
	s.readiness.AISocketOpen = true
	return s.readiness.State() == StateConfigurable
}

// NotifyTelephonyStart records the Twilio start event. A repeated start never
// overwrites the stream identity and returns ErrAlreadyStarted. An empty
// callerLabel keeps the default.
func (s *CallSession) NotifyTelephonyStart(streamID, callID, callerLabel string) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("start on closed call: %w", ErrInvalidState)
	}
	if s.readiness.TelephonyStarted {
		return false, fmt.Errorf("stream %s (ignored %s): %w", s.streamID, streamID, ErrAlreadyStarted)
	}
	s.readiness.TelephonyStarted = true
	s.streamID = streamID
	s.callID = callID
	if callerLabel != "" {
		s.callerLabel = callerLabel
	}
	return s.readiness.State() == StateConfigurable, nil
}

// MarkConfigSent records that the session configuration went out.
func (s *CallSession) MarkConfigSent() error {
	if s.closed {
		return fmt.Errorf("config on closed call: %w", ErrInvalidState)
	}
	if st := s.readiness.State(); st != StateConfigurable {
		return fmt.Errorf("config in state %s: %w", st, ErrInvalidState)
	}
	s.readiness.ConfigSent = true
	return nil
}

// MarkOpeningTurnSent records that the opening turn request went out.
func (s *CallSession) MarkOpeningTurnSent() error {
	if s.closed {
		return fmt.Errorf("opening turn on closed call: %w", ErrInvalidState)
	}
	if st := s.readiness.State(); st != StateConfigured {
		return fmt.Errorf("opening turn in state %s: %w", st, ErrInvalidState)
	}
	s.readiness.OpeningTurnSent = true
	return nil
}

// CanForwardToAI reports whether caller audio may be appended to the AI peer.
func (s *CallSession) CanForwardToAI() bool {
	return !s.closed && s.ai != nil && s.readiness.ConfigSent
}

// CanForwardToTelephony reports whether model audio may be sent to the caller.
func (s *CallSession) CanForwardToTelephony() bool {
	return !s.closed && s.streamID != ""
}

// WarnOnce reports true the first time a category is seen for this call.
func (s *CallSession) WarnOnce(category WarnCategory) bool {
	if _, ok := s.warned[category]; ok {
		return false
	}
	s.warned[category] = struct{}{}
	return true
}

// Close marks the call closed. Only the first call returns true.
func (s *CallSession) Close() bool {
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
