package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pairrelay/internal/auth"
	"github.com/haasonsaas/pairrelay/internal/config"
	"github.com/haasonsaas/pairrelay/internal/storage"
	"github.com/haasonsaas/pairrelay/pkg/models"
)

// runMigrate applies the number store schema.
func runMigrate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := storage.MigrateConfig(cmd.Context(), storageConfig(cfg)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s).\n", cfg.Database.Driver)
	return nil
}

// runNumbersList prints the numbers linked to companyID.
func runNumbersList(cmd *cobra.Command, configPath string, companyID int64, asJSON bool) error {
	if companyID <= 0 {
		return fmt.Errorf("--company must be positive")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := storage.Open(storageConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to open number store: %w", err)
	}
	defer store.Close()

	numbers, err := store.ListNumbers(cmd.Context(), companyID)
	if err != nil {
		return fmt.Errorf("list numbers: %w", err)
	}
	return printNumbers(cmd, numbers, asJSON)
}

func printNumbers(cmd *cobra.Command, numbers []*models.WhatsAppNumber, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		normalized := make([]*models.WhatsAppNumber, 0, len(numbers))
		for _, n := range numbers {
			normalized = append(normalized, n.Normalized())
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(normalized)
	}
	if len(numbers) == 0 {
		fmt.Fprintln(out, "No numbers linked.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHONE\tNAME\tCONNECTED\tLAST SYNC")
	for _, n := range numbers {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", n.PhoneNumber, n.DisplayName, n.IsConnected, n.LastSyncedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

// runToken mints a dashboard token scoped to companies.
func runToken(cmd *cobra.Command, configPath, subject string, companies []int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	service := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	})
	token, err := service.GenerateJWT(&models.User{ID: subject, CompanyIDs: companies})
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
