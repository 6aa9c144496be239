package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentplexus/voicebridge"
	"github.com/agentplexus/voicebridge/bridge"
	"github.com/agentplexus/voicebridge/callsystem"
	"github.com/agentplexus/voicebridge/internal/config"
	"github.com/agentplexus/voicebridge/internal/observability"
	"github.com/agentplexus/voicebridge/realtime"
	"github.com/agentplexus/voicebridge/recording"
	"github.com/agentplexus/voicebridge/session"
	"github.com/agentplexus/voicebridge/transport"
)

// app holds the wired components of one process.
type app struct {
	cfg            *config.Config
	logger         *slog.Logger
	registry       *prometheus.Registry
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	shutdownTracer func(context.Context) error
	bridge         *bridge.Bridge
	transport      *transport.Provider
	calls          *callsystem.Provider
	recordings     *recording.Handler
}

func loadConfig(path string, debug bool) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "voicebridge",
		ServiceVersion: voicebridge.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	dialer, err := realtime.NewDialer(cfg.OpenAI.APIKey,
		realtime.WithURL(cfg.OpenAI.RealtimeURL),
		realtime.WithModel(cfg.OpenAI.Model),
		realtime.WithLogger(logger),
		realtime.WithDecodeErrorHook(func(error) {
			metrics.ProtocolError(observability.PeerAI)
		}),
	)
	if err != nil {
		return nil, err
	}

	b, err := bridge.New(
		session.NewRegistry(cfg.Agent.CallerPlaceholder),
		bridge.RealtimeDialer(dialer),
		cfg.Bridge(),
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	tp, err := transport.New(
		transport.WithLogger(logger),
		transport.WithDecodeErrorHook(func(error) {
			metrics.ProtocolError(observability.PeerTelephony)
		}),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		metrics:        metrics,
		tracer:         tracer,
		shutdownTracer: shutdownTracer,
		bridge:         b,
		transport:      tp,
	}

	if cfg.TwilioEnabled() && cfg.StreamURL() != "" {
		a.calls, err = callsystem.New(
			callsystem.WithAccountSID(cfg.Twilio.AccountSID),
			callsystem.WithAuthToken(cfg.Twilio.AuthToken),
			callsystem.WithPhoneNumber(cfg.Twilio.PhoneNumber),
			callsystem.WithStreamURL(cfg.StreamURL()),
			callsystem.WithGreeting(cfg.Agent.Greeting, cfg.Agent.GreetingVoice),
			callsystem.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}

		a.recordings, err = a.newRecordingHandler()
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) newRecordingHandler() (*recording.Handler, error) {
	ai, err := recording.NewOpenAI(recording.OpenAIConfig{
		APIKey:             a.cfg.OpenAI.APIKey,
		TranscriptionModel: a.cfg.OpenAI.TranscriptionModel,
		SummaryModel:       a.cfg.OpenAI.SummaryModel,
	})
	if err != nil {
		return nil, err
	}

	opts := []recording.ProcessorOption{
		recording.WithSummarizer(ai),
		recording.WithLogger(a.logger),
		recording.WithMetrics(a.metrics),
	}
	if a.cfg.Automation.WebhookURL != "" {
		forwarder, err := recording.NewWebhookForwarder(a.cfg.Automation.WebhookURL, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, recording.WithForwarder(forwarder))
	}

	processor, err := recording.NewProcessor(a.calls.Client(), ai, opts...)
	if err != nil {
		return nil, fmt.Errorf("recording processor: %w", err)
	}
	return recording.NewHandler(processor,
		recording.WithProcessTimeout(a.cfg.Automation.ProcessTimeout),
		recording.WithHandlerLogger(a.logger),
	), nil
}

func (a *app) close(ctx context.Context) {
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn("tracer shutdown error", "error", err)
	}
}
