package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Initialize or update the database schema to the latest version.

Migrations also run whenever another command opens the database; this command
is for preparing a shared Postgres database ahead of a deploy.`,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	slog.Info("Starting database migration",
		"driver", cfg.Database.Driver,
		"database", cfg.Database.Path)

	store, err := initStorage(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer func() { _ = store.Close() }()

	slog.Info("Database migrations completed", "driver", store.Driver())
	return nil
}
