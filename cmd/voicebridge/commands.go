package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplexus/voicebridge/callsystem"
	"github.com/agentplexus/voicebridge/internal/server"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and bridge incoming media streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, debug)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if cfg.Server.PublicURL == "" {
				a.logger.Warn("no public URL configured; /voice cannot point Twilio at the media endpoint")
			}

			opts := []server.Option{
				server.WithGatherer(a.registry),
				server.WithLogger(a.logger),
			}
			if a.calls != nil {
				opts = append(opts, server.WithCallSystem(a.calls))
			}
			if a.recordings != nil {
				opts = append(opts, server.WithRecordingHandler(a.recordings))
			}

			srv, err := server.New(server.Config{
				Addr:            cfg.Server.Addr,
				MediaPath:       cfg.Server.MediaPath,
				StreamURL:       cfg.StreamURL(),
				Greeting:        cfg.Agent.Greeting,
				GreetingVoice:   cfg.Agent.GreetingVoice,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, a.bridge, a.transport, opts...)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			runErr := srv.Run(ctx)

			if a.calls != nil {
				hangupCtx, hangupCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer hangupCancel()
				if err := a.calls.Close(hangupCtx); err != nil {
					a.logger.Warn("failed to hang up active calls", "error", err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func buildCallCmd() *cobra.Command {
	var (
		configPath string
		to         string
		name       string
		record     bool
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an outbound call answered by the voice agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if a.calls == nil {
				return errors.New("outbound calls need TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and PUBLIC_URL")
			}

			opts := []callsystem.CallOption{
				callsystem.WithCallerLabel(name),
				callsystem.WithStatusCallback(cfg.CallbackURL("/status")),
			}
			if record || cfg.Twilio.Record {
				opts = append(opts, callsystem.WithRecord(cfg.CallbackURL("/recording")))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			call, err := a.calls.MakeCall(ctx, to, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call %s to %s: %s\n", call.ID(), call.To(), call.Status())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&to, "to", "", "Number to call (E.164)")
	cmd.Flags().StringVar(&name, "name", "", "Name the agent greets the callee by")
	cmd.Flags().BoolVar(&record, "record", false, "Record the call and summarize it afterwards")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func buildProbeCmd() *cobra.Command {
	var (
		configPath string
		name       string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check OpenAI Realtime and Twilio credentials without placing a call",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := a.bridge.Probe(ctx, name)
			if err != nil {
				return fmt.Errorf("realtime probe: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}

			if a.calls != nil {
				numbers, err := a.calls.Client().ListPhoneNumbers(ctx)
				if err != nil {
					return fmt.Errorf("twilio probe: %w", err)
				}
				for _, n := range numbers {
					fmt.Fprintf(cmd.OutOrStdout(), "twilio number %s (voice: %t)\n", n.PhoneNumber, n.Capabilities.Voice)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&name, "name", "there", "Caller label used in the opening turn")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "Probe timeout")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <call-sid>",
		Short: "Show the Twilio status of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if a.calls == nil {
				return errors.New("call status needs TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and PUBLIC_URL")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			call, err := a.calls.GetCall(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "call %s %s %s -> %s: %s\n",
				call.ID(), call.Direction(), call.From(), call.To(), call.Status())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}
