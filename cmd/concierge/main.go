// Package main provides the CLI entry point for the concierge gateway.
//
// The gateway bridges Telegram chats to a streaming inference API and a
// salon scheduling service: incoming messages become conversation turns
// on a pooled duplex connection, streamed responses are rendered as
// progressively edited Telegram messages, and booking actions run
// through the tool registry.
//
// # Basic Usage
//
// Start the gateway:
//
//	concierge serve --config concierge.yaml
//
// # Environment Variables
//
// The configuration file expands environment variables, so secrets are
// usually provided as:
//
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
//   - REALTIME_API_KEY: inference API key
//   - BOOKING_PARTNER_TOKEN: scheduling service partner token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build metadata, injected via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "concierge",
		Short:   "Concierge - Telegram booking assistant gateway",
		Long:    `Concierge connects Telegram chats to a streaming assistant with salon booking tools.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())

	return rootCmd
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
