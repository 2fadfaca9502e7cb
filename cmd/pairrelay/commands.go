package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigEnv = "PAIRRELAY_CONFIG"

// resolveConfigPath falls back to PAIRRELAY_CONFIG when no flag was given.
// An empty result means defaults plus environment.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(defaultConfigEnv))
}

// buildServeCmd creates the "serve" command that runs the relay.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pairing relay",
		Long: `Start the websocket pairing relay.

The server will:
1. Load configuration from the given file, PAIRRELAY_CONFIG, or defaults
2. Open the number store
3. Start the event loop and the expiry sweeper
4. Serve websockets, /healthz, /metrics and /pairing/qr

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (in-memory store, port 3100)
  pairrelay serve

  # Start with a config file and debug logging
  pairrelay serve --config /etc/pairrelay.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildMigrateCmd creates the "migrate" command that applies the schema.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the whatsapp_numbers table",
		Long: `Apply the number store schema for the configured database.

The statements are idempotent; running migrate twice is safe. The memory
driver has no schema.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

// buildNumbersCmd creates the "numbers" command group.
func buildNumbersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "numbers",
		Short: "Inspect linked numbers",
	}
	cmd.AddCommand(buildNumbersListCmd())
	return cmd
}

func buildNumbersListCmd() *cobra.Command {
	var (
		configPath string
		companyID  int64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List numbers linked to a company",
		Example: `  pairrelay numbers list --company 42
  pairrelay numbers list --company 42 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNumbersList(cmd, resolveConfigPath(configPath), companyID, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

// buildTokenCmd creates the "token" command that mints dashboard tokens.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		companies  []int64
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard JWT for local testing",
		Long: `Sign a dashboard token with auth.jwt_secret (or PAIRING_JWT_SECRET).

Dashboards pass it as "Authorization: Bearer <token>" or as the access_token
query parameter of the websocket URL.`,
		Example: `  PAIRING_JWT_SECRET=dev pairrelay token --company 42 --company 43`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), subject, companies)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&subject, "subject", "dashboard", "Token subject")
	cmd.Flags().Int64SliceVar(&companies, "company", nil, "Company id the token may pair for (repeatable)")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
