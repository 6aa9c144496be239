package transport

import (
	"encoding/json"
	"fmt"

	"github.com/agentplexus/voicebridge"
)

// Event is a decoded Media Streams message or a terminal socket error.
type Event interface {
	event()
}

// ConnectedEvent is the first message Twilio sends on a stream.
type ConnectedEvent struct {
	Protocol string
	Version  string
}

// StartEvent carries the stream metadata.
type StartEvent struct {
	StreamSID        string
	AccountSID       string
	CallSID          string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// Parameter returns a custom parameter set with <Parameter> in the TwiML.
func (e StartEvent) Parameter(name string) string {
	return e.CustomParameters[name]
}

// MediaFormat describes the audio carried by media events.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaEvent carries one base64 audio frame from the caller.
type MediaEvent struct {
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

// MarkEvent acknowledges playback of a mark sent with SendMark.
type MarkEvent struct {
	Name string
}

// DTMFEvent carries a keypad digit.
type DTMFEvent struct {
	Track string
	Digit string
}

// StopEvent means Twilio ended the stream.
type StopEvent struct {
	AccountSID string
	CallSID    string
}

// UnknownEvent is any event name this package does not handle.
type UnknownEvent struct {
	Name string
}

// ErrorEvent reports a socket failure. It is the last event of a connection.
type ErrorEvent struct {
	Err error
}

func (ConnectedEvent) event() {}
func (StartEvent) event()     {}
func (MediaEvent) event()     {}
func (MarkEvent) event()      {}
func (DTMFEvent) event()      {}
func (StopEvent) event()      {}
func (UnknownEvent) event()   {}
func (ErrorEvent) event()     {}

// DecodeError reports a message that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return "transport: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Twilio Media Streams message types.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Protocol  string        `json:"protocol,omitempty"`
	Version   string        `json:"version,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  MediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// DecodeEvent decodes one websocket text frame from Twilio. Unrecognized event
// names decode to UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var msg mediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}

	switch msg.Event {
	case "":
		return nil, &DecodeError{Reason: "missing event"}

	case voicebridge.StreamEventConnected:
		return ConnectedEvent{Protocol: msg.Protocol, Version: msg.Version}, nil

	case voicebridge.StreamEventStart:
		if msg.Start == nil {
			return nil, &DecodeError{Reason: "start event without start object"}
		}
		streamSID := msg.Start.StreamSID
		if streamSID == "" {
			streamSID = msg.StreamSID
		}
		if streamSID == "" {
			return nil, &DecodeError{Reason: "start event without streamSid"}
		}
		params := msg.Start.CustomParams
		if params == nil {
			params = map[string]string{}
		}
		return StartEvent{
			StreamSID:        streamSID,
			AccountSID:       msg.Start.AccountSID,
			CallSID:          msg.Start.CallSID,
			Tracks:           msg.Start.Tracks,
			MediaFormat:      msg.Start.MediaFormat,
			CustomParameters: params,
		}, nil

	case voicebridge.StreamEventMedia:
		if msg.Media == nil {
			return nil, &DecodeError{Reason: "media event without media object"}
		}
		return MediaEvent{
			Track:     msg.Media.Track,
			Chunk:     msg.Media.Chunk,
			Timestamp: msg.Media.Timestamp,
			Payload:   msg.Media.Payload,
		}, nil

	case voicebridge.StreamEventMark:
		var name string
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		return MarkEvent{Name: name}, nil

	case voicebridge.StreamEventDTMF:
		if msg.DTMF == nil {
			return nil, &DecodeError{Reason: "dtmf event without dtmf object"}
		}
		return DTMFEvent{Track: msg.DTMF.Track, Digit: msg.DTMF.Digit}, nil

	case voicebridge.StreamEventStop:
		stop := StopEvent{}
		if msg.Stop != nil {
			stop.AccountSID = msg.Stop.AccountSID
			stop.CallSID = msg.Stop.CallSID
		}
		return stop, nil

	default:
		return UnknownEvent{Name: msg.Event}, nil
	}
}

// outboundMessage is a message sent to Twilio.
type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
}
