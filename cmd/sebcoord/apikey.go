package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rsclarke/sebcoord/internal/auth"
	"github.com/rsclarke/sebcoord/internal/db"
)

var apikeyFlags struct {
	dbPath      string
	institution int64
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage admin API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key for an institution",
	Long: `Create an admin API key directly in the database. The key is printed
once. SEBCOORD_PEPPER must match the pepper the server runs with.`,
	RunE: runAPIKeyCreate,
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd)

	apikeyCreateCmd.Flags().StringVar(&apikeyFlags.dbPath, "db", "", "database path (default $SEBCOORD_DB)")
	apikeyCreateCmd.Flags().Int64Var(&apikeyFlags.institution, "institution", 0, "institution the key acts for")
	_ = apikeyCreateCmd.MarkFlagRequired("institution")
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	if os.Getenv("SEBCOORD_PEPPER") == "" {
		return fmt.Errorf("SEBCOORD_PEPPER must be set so the server can verify the key")
	}
	if apikeyFlags.institution <= 0 {
		return fmt.Errorf("--institution must be positive")
	}
	if apikeyFlags.dbPath != "" {
		cfg.DBPath = apikeyFlags.dbPath
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = database.Close() }()

	displayKey, prefix, hash, err := auth.GenerateAPIKey(cfg.Pepper)
	if err != nil {
		return fmt.Errorf("generate API key: %w", err)
	}
	id, err := db.CreateAPIKey(context.Background(), database, apikeyFlags.institution, prefix, hash)
	if err != nil {
		return fmt.Errorf("create API key: %w", err)
	}

	return printJSON(cmd, struct {
		ID            int64  `json:"id"`
		InstitutionID int64  `json:"institution_id"`
		Key           string `json:"key"`
	}{id, apikeyFlags.institution, displayKey})
}
