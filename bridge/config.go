package bridge

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/agentplexus/voicebridge"
	"github.com/agentplexus/voicebridge/realtime"
)

// Default behaviour scripts. Both are text/template sources rendered with
// PromptData.
const (
	DefaultInstructions = "You are a friendly phone agent speaking with {{.CallerLabel}}. " +
		"Speak clearly, keep answers short and sound professional."

	DefaultOpeningInstructions = "Greet {{.CallerLabel}} by name and introduce yourself in one short sentence."
)

// VADConfig configures server-driven turn detection.
type VADConfig struct {
	// Threshold is the voice activity threshold (0.0 to 1.0).
	Threshold float64

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is the silence that ends a caller turn.
	SilenceDurationMs int
}

// Config is the per-call behaviour sent to the realtime session.
type Config struct {
	// Voice is the realtime voice identifier.
	Voice string

	// AudioFormat is declared for both directions. Twilio streams μ-law, so
	// this is g711_ulaw unless the telephony side changes.
	AudioFormat string

	// Modalities of the model output.
	Modalities []string

	// Temperature of the model. Zero leaves the server default.
	Temperature float64

	// VAD configures end-of-turn detection.
	VAD VADConfig

	// Instructions is the behaviour script template.
	Instructions string

	// OpeningInstructions is the template for the unprompted first turn.
	OpeningInstructions string

	// CallerParameter is the <Parameter> name carrying the caller label.
	CallerParameter string

	// InterruptOnSpeech clears Twilio's playback buffer when the caller starts talking.
	InterruptOnSpeech bool

	// TranscriptionModel enables transcription of caller audio when set.
	TranscriptionModel string
}

// DefaultConfig returns the default call behaviour.
func DefaultConfig() Config {
	return Config{
		Voice:       voicebridge.DefaultVoice,
		AudioFormat: voicebridge.AudioFormatG711Ulaw,
		Modalities:  []string{"audio", "text"},
		VAD: VADConfig{
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Instructions:        DefaultInstructions,
		OpeningInstructions: DefaultOpeningInstructions,
		CallerParameter:     "name",
		InterruptOnSpeech:   true,
	}
}

// PromptData is the data available to the instruction templates.
type PromptData struct {
	CallerLabel string
}

type prompts struct {
	instructions *template.Template
	opening      *template.Template
}

func parsePrompts(cfg Config) (*prompts, error) {
	instructions, err := template.New("instructions").Option("missingkey=error").Parse(cfg.Instructions)
	if err != nil {
		return nil, fmt.Errorf("parse instructions: %w", err)
	}
	opening, err := template.New("opening").Option("missingkey=error").Parse(cfg.OpeningInstructions)
	if err != nil {
		return nil, fmt.Errorf("parse opening instructions: %w", err)
	}

	p := &prompts{instructions: instructions, opening: opening}
	if _, _, err := p.render("caller"); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *prompts) render(callerLabel string) (instructions, opening string, err error) {
	data := PromptData{CallerLabel: callerLabel}

	var buf bytes.Buffer
	if err := p.instructions.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render instructions: %w", err)
	}
	instructions = buf.String()

	buf.Reset()
	if err := p.opening.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render opening instructions: %w", err)
	}
	return instructions, buf.String(), nil
}

func (c Config) sessionConfig(instructions string) realtime.SessionConfig {
	sc := realtime.SessionConfig{
		Modalities:        c.Modalities,
		Instructions:      instructions,
		Voice:             c.Voice,
		InputAudioFormat:  c.AudioFormat,
		OutputAudioFormat: c.AudioFormat,
		Temperature:       c.Temperature,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         c.VAD.Threshold,
			PrefixPaddingMs:   c.VAD.PrefixPaddingMs,
			SilenceDurationMs: c.VAD.SilenceDurationMs,
		},
	}
	if c.TranscriptionModel != "" {
		sc.InputAudioTranscription = &realtime.AudioTranscription{Model: c.TranscriptionModel}
	}
	return sc
}

func (c Config) responseConfig(opening string) realtime.ResponseConfig {
	return realtime.ResponseConfig{
		Modalities:   c.Modalities,
		Instructions: opening,
	}
}
