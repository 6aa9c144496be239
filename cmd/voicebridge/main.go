// Command voicebridge bridges Twilio phone calls to the OpenAI Realtime API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentplexus/voicebridge"
)

// Build information, set with -ldflags "-X main.commit=... -X main.date=...".
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voicebridge",
		Short: "Bridge Twilio Media Streams calls to OpenAI Realtime",
		Long: `voicebridge answers Twilio calls with an OpenAI Realtime voice agent.

Each call's Media Stream is paired with one realtime session. The agent is
configured once both sides are ready, greets the caller by name and relays
audio in both directions until either side hangs up.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", voicebridge.Version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCallCmd(),
		buildProbeCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "voicebridge %s (commit: %s, built: %s)\n", voicebridge.Version, commit, date)
		},
	}
}
