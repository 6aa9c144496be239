// Package config loads voicebridge configuration from YAML, an optional .env
// file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agentplexus/voicebridge"
	"github.com/agentplexus/voicebridge/bridge"
)

// Config is the complete process configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Agent      AgentConfig      `yaml:"agent"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Automation AutomationConfig `yaml:"automation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener and the public URL Twilio calls back on.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	MediaPath       string        `yaml:"media_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OpenAIConfig holds the API key and the models used for the realtime
// session and for recording transcription and summaries.
type OpenAIConfig struct {
	APIKey             string `yaml:"api_key"`
	RealtimeURL        string `yaml:"realtime_url"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`
	SummaryModel       string `yaml:"summary_model"`
}

// AgentConfig shapes the voice agent: voice, audio format, prompts and turn
// detection. Instructions and OpeningInstructions are text/template strings
// that may reference {{.CallerLabel}}.
type AgentConfig struct {
	Voice               string    `yaml:"voice"`
	AudioFormat         string    `yaml:"audio_format"`
	Temperature         float64   `yaml:"temperature"`
	Instructions        string    `yaml:"instructions"`
	OpeningInstructions string    `yaml:"opening_instructions"`
	CallerPlaceholder   string    `yaml:"caller_placeholder"`
	CallerParameter     string    `yaml:"caller_parameter"`
	InterruptOnSpeech   *bool     `yaml:"interrupt_on_speech"`
	TranscribeCaller    bool      `yaml:"transcribe_caller"`
	Greeting            string    `yaml:"greeting"`
	GreetingVoice       string    `yaml:"greeting_voice"`
	VAD                 VADConfig `yaml:"vad"`
}

// VADConfig tunes server-side voice activity detection.
type VADConfig struct {
	Threshold         float64 `yaml:"threshold"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs int     `yaml:"silence_duration_ms"`
}

// TwilioConfig holds the account credentials and the default caller ID.
// Record turns on recording for outbound calls.
type TwilioConfig struct {
	AccountSID  string `yaml:"account_sid"`
	AuthToken   string `yaml:"auth_token"`
	PhoneNumber string `yaml:"phone_number"`
	Record      bool   `yaml:"record"`
}

// AutomationConfig configures where call summaries are sent and how long
// processing one recording may take.
type AutomationConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// LoggingConfig selects the log level and the json or text format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export. An empty Endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// LoadDotEnv loads variables from .env files into the environment. Missing
// files are ignored; existing variables are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Server.PublicURL, "PUBLIC_URL")
	setString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.Twilio.PhoneNumber, "TWILIO_PHONE_NUMBER")
	setString(&cfg.Automation.WebhookURL, "AUTOMATION_WEBHOOK_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3000"
	}
	if cfg.Server.MediaPath == "" {
		cfg.Server.MediaPath = "/media"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.OpenAI.RealtimeURL == "" {
		cfg.OpenAI.RealtimeURL = voicebridge.DefaultRealtimeURL
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = voicebridge.DefaultRealtimeModel
	}
	if cfg.OpenAI.TranscriptionModel == "" {
		cfg.OpenAI.TranscriptionModel = "whisper-1"
	}
	if cfg.OpenAI.SummaryModel == "" {
		cfg.OpenAI.SummaryModel = "gpt-4o-mini"
	}

	defaults := bridge.DefaultConfig()
	if cfg.Agent.Voice == "" {
		cfg.Agent.Voice = defaults.Voice
	}
	if cfg.Agent.AudioFormat == "" {
		cfg.Agent.AudioFormat = defaults.AudioFormat
	}
	if cfg.Agent.Instructions == "" {
		cfg.Agent.Instructions = defaults.Instructions
	}
	if cfg.Agent.OpeningInstructions == "" {
		cfg.Agent.OpeningInstructions = defaults.OpeningInstructions
	}
	if cfg.Agent.CallerPlaceholder == "" {
		cfg.Agent.CallerPlaceholder = "there"
	}
	if cfg.Agent.CallerParameter == "" {
		cfg.Agent.CallerParameter = defaults.CallerParameter
	}
	if cfg.Agent.InterruptOnSpeech == nil {
		interrupt := defaults.InterruptOnSpeech
		cfg.Agent.InterruptOnSpeech = &interrupt
	}
	if cfg.Agent.VAD.Threshold == 0 {
		cfg.Agent.VAD.Threshold = defaults.VAD.Threshold
	}
	if cfg.Agent.VAD.PrefixPaddingMs == 0 {
		cfg.Agent.VAD.PrefixPaddingMs = defaults.VAD.PrefixPaddingMs
	}
	if cfg.Agent.VAD.SilenceDurationMs == 0 {
		cfg.Agent.VAD.SilenceDurationMs = defaults.VAD.SilenceDurationMs
	}

	if cfg.Automation.ProcessTimeout == 0 {
		cfg.Automation.ProcessTimeout = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("openai.api_key is required (set OPENAI_API_KEY)")
	}
	if !strings.HasPrefix(c.Server.MediaPath, "/") {
		return fmt.Errorf("server.media_path must start with /: %q", c.Server.MediaPath)
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("server.public_url is not an absolute URL: %q", c.Server.PublicURL)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return fmt.Errorf("server.public_url must use http or https: %q", c.Server.PublicURL)
		}
	}
	switch c.Agent.AudioFormat {
	case voicebridge.AudioFormatG711Ulaw, voicebridge.AudioFormatG711Alaw, voicebridge.AudioFormatPCM16:
	default:
		return fmt.Errorf("agent.audio_format %q is not supported", c.Agent.AudioFormat)
	}
	if c.Agent.VAD.Threshold < 0 || c.Agent.VAD.Threshold > 1 {
		return fmt.Errorf("agent.vad.threshold must be between 0 and 1: %v", c.Agent.VAD.Threshold)
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent.temperature must be between 0 and 2: %v", c.Agent.Temperature)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1: %v", c.Tracing.SamplingRate)
	}
	return nil
}

// TwilioEnabled reports whether REST credentials are configured.
func (c *Config) TwilioEnabled() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != ""
}

// CallbackURL joins path onto the public URL. It returns "" when no public
// URL is configured.
func (c *Config) CallbackURL(path string) string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + path
}

// StreamURL is the websocket URL Twilio connects Media Streams to.
func (c *Config) StreamURL() string {
	base := c.CallbackURL(c.Server.MediaPath)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// Bridge returns the per-call behaviour for the bridge package.
func (c *Config) Bridge() bridge.Config {
	bc := bridge.DefaultConfig()
	bc.Voice = c.Agent.Voice
	bc.AudioFormat = c.Agent.AudioFormat
	bc.Temperature = c.Agent.Temperature
	bc.Instructions = c.Agent.Instructions
	bc.OpeningInstructions = c.Agent.OpeningInstructions
	bc.CallerParameter = c.Agent.CallerParameter
	if c.Agent.InterruptOnSpeech != nil {
		bc.InterruptOnSpeech = *c.Agent.InterruptOnSpeech
	}
	bc.VAD = bridge.VADConfig{
		Threshold:         c.Agent.VAD.Threshold,
		PrefixPaddingMs:   c.Agent.VAD.PrefixPaddingMs,
		SilenceDurationMs: c.Agent.VAD.SilenceDurationMs,
	}
	if c.Agent.TranscribeCaller {
		bc.TranscriptionModel = c.OpenAI.TranscriptionModel
	}
	return bc
}
