// Package voicebridge bridges Twilio Media Streams phone calls to the OpenAI
// Realtime API.
//
// Each accepted Media Streams websocket is paired with one outbound realtime
// websocket. The bridge waits until both sides are ready, sends the session
// configuration and the opening turn exactly once, then relays audio frames in
// both directions until either side ends the call.
//
// Packages:
//   - session: per-call state, readiness gate and registry (no I/O)
//   - transport: Twilio Media Streams websocket (telephony peer)
//   - realtime: OpenAI Realtime websocket (AI peer)
//   - bridge: configurer, audio relay and lifecycle coordinator
//   - callsystem: TwiML and outbound call origination
//   - recording: recording callback, transcription and summary forwarding
//
// # Environment Variables
//
//	OPENAI_API_KEY         - OpenAI API key (required)
//	TWILIO_ACCOUNT_SID     - Twilio Account SID (outbound calls, recordings)
//	TWILIO_AUTH_TOKEN      - Twilio Auth Token
//	TWILIO_PHONE_NUMBER    - Default caller ID for outbound calls
//	PUBLIC_URL             - Public base URL Twilio uses to reach this server
//	AUTOMATION_WEBHOOK_URL - Hook that receives call summaries
//
// # Quick Start
//
//	voicebridge serve --config voicebridge.yaml
package voicebridge

// Version is the module version.
const Version = "0.1.0"

// Provider names used in logs and metrics labels.
const (
	ProviderTwilio = "twilio"
	ProviderOpenAI = "openai"
)

// OpenAI Realtime constants.
const (
	// DefaultRealtimeURL is the OpenAI Realtime websocket endpoint.
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

	// DefaultRealtimeModel is the model requested when none is configured.
	DefaultRealtimeModel = "gpt-4o-realtime-preview"

	// DefaultVoice is the realtime voice used when none is configured.
	DefaultVoice = "alloy"
)

// Audio format identifiers. Twilio Media Streams carry 8kHz μ-law, which the
// realtime API accepts natively as g711_ulaw, so frames are never transcoded.
const (
	AudioFormatG711Ulaw = "g711_ulaw"
	AudioFormatG711Alaw = "g711_alaw"
	AudioFormatPCM16    = "pcm16"

	// TwilioEncodingMulaw is the Media Streams encoding name for μ-law.
	TwilioEncodingMulaw = "audio/x-mulaw"

	// TwilioSampleRate is the Media Streams sample rate.
	TwilioSampleRate = 8000
)

// Twilio Media Streams event names.
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventMark      = "mark"
	StreamEventDTMF      = "dtmf"
	StreamEventStop      = "stop"
	StreamEventClear     = "clear"
)

// Call status values reported by Twilio status callbacks.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)
