package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event type names.
const (
	TypeSessionUpdate          = "session.update"
	TypeResponseCreate         = "response.create"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
)

// Server event type names.
const (
	TypeSessionCreated     = "session.created"
	TypeSessionUpdated     = "session.updated"
	TypeResponseAudioDelta = "response.audio.delta"
	TypeOutputAudioDelta   = "response.output_audio.delta"
	TypeResponseDone       = "response.done"
	TypeSpeechStarted      = "input_audio_buffer.speech_started"
	TypeSpeechStopped      = "input_audio_buffer.speech_stopped"
	TypeError              = "error"
)

// ClientEvent is a message sent to the realtime endpoint.
type ClientEvent interface {
	// EventType returns the wire "type" field.
	EventType() string
}

// SessionConfig is the "session" object of a session.update.
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Temperature             float64             `json:"temperature,omitempty"`
}

// AudioTranscription enables transcription of caller audio.
type AudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection configures end-of-turn detection.
type TurnDetection struct {
	// Type is "server_vad" for server-driven turn detection.
	Type string `json:"type"`

	// Threshold is the voice activity threshold (0.0 to 1.0).
	Threshold float64 `json:"threshold,omitempty"`

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int `json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMs is the silence that ends a turn.
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
}

// SessionUpdate configures the realtime session.
type SessionUpdate struct {
	Session SessionConfig
}

func (SessionUpdate) EventType() string { return TypeSessionUpdate }

func (e SessionUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string        `json:"type"`
		Session SessionConfig `json:"session"`
	}{e.EventType(), e.Session})
}

// ResponseConfig is the "response" object of a response.create.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ResponseCreate asks the model to produce a response now.
type ResponseCreate struct {
	Response ResponseConfig
}

func (ResponseCreate) EventType() string { return TypeResponseCreate }

func (e ResponseCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string         `json:"type"`
		Response ResponseConfig `json:"response"`
	}{e.EventType(), e.Response})
}

// InputAudioBufferAppend streams one caller audio frame. Audio is the base64
// payload exactly as received from the telephony side.
type InputAudioBufferAppend struct {
	Audio string
}

func (InputAudioBufferAppend) EventType() string { return TypeInputAudioBufferAppend }

func (e InputAudioBufferAppend) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{e.EventType(), e.Audio})
}

// ServerEvent is a decoded message from the realtime endpoint.
type ServerEvent interface {
	serverEvent()
}

// SessionCreated is sent once the session exists.
type SessionCreated struct {
	SessionID string
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	SessionID string
}

// AudioDelta carries one chunk of synthesized audio as base64. Type is the
// wire name it arrived under, either TypeResponseAudioDelta or
// TypeOutputAudioDelta.
type AudioDelta struct {
	Type       string
	ResponseID string
	ItemID     string
	Delta      string
}

// ResponseDone marks the end of a model turn.
type ResponseDone struct {
	ResponseID string
	Status     string
}

// SpeechStarted reports caller speech detected by server VAD.
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// SpeechStopped reports the end of caller speech.
type SpeechStopped struct {
	ItemID     string
	AudioEndMs int
}

// ErrorEvent carries an error reported by the realtime endpoint.
type ErrorEvent struct {
	Err *ServerError
}

// UnknownEvent is any event type the bridge does not handle.
type UnknownEvent struct {
	Type string
}

// ClosedEvent is the last event of a connection. Err is nil for a normal close.
type ClosedEvent struct {
	Err error
}

func (SessionCreated) serverEvent() {}
func (SessionUpdated) serverEvent() {}
func (AudioDelta) serverEvent()     {}
func (ResponseDone) serverEvent()   {}
func (SpeechStarted) serverEvent()  {}
func (SpeechStopped) serverEvent()  {}
func (ErrorEvent) serverEvent()     {}
func (UnknownEvent) serverEvent()   {}
func (ClosedEvent) serverEvent()    {}

// ServerError is the "error" object of an error event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime error %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("realtime error %s: %s", e.Type, e.Message)
}

// DecodeError reports a message that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: %s: %v", e.Reason, e.Err)
	}
	return "realtime: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type serverMessage struct {
	Type         string          `json:"type"`
	ResponseID   string          `json:"response_id"`
	ItemID       string          `json:"item_id"`
	Delta        string          `json:"delta"`
	AudioStartMs int             `json:"audio_start_ms"`
	AudioEndMs   int             `json:"audio_end_ms"`
	Session      *sessionObject  `json:"session"`
	Response     *responseObject `json:"response"`
	Error        *ServerError    `json:"error"`
}

type sessionObject struct {
	ID string `json:"id"`
}

type responseObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DecodeServerEvent decodes one websocket text frame from the realtime endpoint.
// Unrecognized types decode to UnknownEvent.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if msg.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	switch msg.Type {
	case TypeSessionCreated, TypeSessionUpdated:
		var id string
		if msg.Session != nil {
			id = msg.Session.ID
		}
		if msg.Type == TypeSessionCreated {
			return SessionCreated{SessionID: id}, nil
		}
		return SessionUpdated{SessionID: id}, nil

	case TypeResponseAudioDelta, TypeOutputAudioDelta:
		return AudioDelta{Type: msg.Type, ResponseID: msg.ResponseID, ItemID: msg.ItemID, Delta: msg.Delta}, nil

	case TypeResponseDone:
		done := ResponseDone{}
		if msg.Response != nil {
			done.ResponseID = msg.Response.ID
			done.Status = msg.Response.Status
		}
		return done, nil

	case TypeSpeechStarted:
		return SpeechStarted{ItemID: msg.ItemID, AudioStartMs: msg.AudioStartMs}, nil

	case TypeSpeechStopped:
		return SpeechStopped{ItemID: msg.ItemID, AudioEndMs: msg.AudioEndMs}, nil

	case TypeError:
		serr := msg.Error
		if serr == nil {
			serr = &ServerError{Type: "unknown", Message: "error event without details"}
		}
		return ErrorEvent{Err: serr}, nil

	default:
		return UnknownEvent{Type: msg.Type}, nil
	}
}
