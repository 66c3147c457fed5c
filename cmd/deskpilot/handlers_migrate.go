package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/deskpilot/internal/config"
	"github.com/haasonsaas/deskpilot/internal/sessions"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	configPath = resolveConfigPath(configPath)
	slog.Info("running database migrations",
		"config", configPath,
		"steps", steps,
	)

	migrator, db, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, id := range applied {
		fmt.Fprintf(out, "Applied %s\n", id)
	}
	slog.Info("migrations completed successfully", "count", len(applied))
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	configPath = resolveConfigPath(configPath)
	slog.Warn("rolling back migrations",
		"config", configPath,
		"steps", steps,
	)

	migrator, db, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rolled) == 0 {
		fmt.Fprintln(out, "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		fmt.Fprintf(out, "Rolled back %s\n", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	configPath = resolveConfigPath(configPath)
	migrator, db, err := openMigrator(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range applied {
			fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range pending {
			fmt.Fprintf(out, "  - %s\n", entry.ID)
		}
	}
	fmt.Fprintln(out)

	return nil
}

// openMigrator opens the configured database without applying migrations.
func openMigrator(ctx context.Context, configPath string) (*sessions.Migrator, *sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, dialect, err := sessions.OpenDB(ctx, sqlConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	migrator, err := sessions.NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, db, nil
}
