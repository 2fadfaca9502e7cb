// Package main provides the CLI entry point for the WhatsApp device-pairing
// relay.
//
// The relay brokers a two-party handshake between a dashboard and a phone
// over websockets and stores the linked number once pairing completes.
//
// # Basic Usage
//
// Start the relay:
//
//	pairrelay serve --config pairrelay.yaml
//
// Create the numbers table:
//
//	pairrelay migrate --config pairrelay.yaml
//
// # Environment Variables
//
//   - PAIRING_RELAY_PORT: listen port (default 3100)
//   - PAIRING_BASE_URL: dashboard origin used in pairing URLs
//   - DATABASE_URL / DATABASE_DRIVER: number store
//   - PAIRING_JWT_SECRET: dashboard token secret
//   - LOG_LEVEL: debug, info, warn or error
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pairrelay",
		Short: "WhatsApp device-pairing relay",
		Long: `pairrelay brokers the pairing handshake between a dashboard and a phone.

The dashboard opens a session and shows the pairing URL, the phone joins with
the token embedded in it and submits its details, and the linked number is
stored for the dashboard's company.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildNumbersCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
