package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the API server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deskpilot API server",
		Long: `Start the deskpilot API server.

The server will:
1. Load configuration from the specified file (or deskpilot.yaml)
2. Open the session database and apply pending migrations
3. Serve the session API, live update streams, desktop control and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals. Running sessions are
given the shutdown timeout to finish.`,
		Example: `  # Start with default config
  deskpilot serve

  # Start with custom config
  deskpilot serve --config /etc/deskpilot/production.yaml

  # Start with debug logging
  deskpilot serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Run Command
// =============================================================================

type runOptions struct {
	configPath     string
	provider       string
	model          string
	systemSuffix   string
	maxTokens      int
	toolVersion    string
	thinkingBudget int
}

// buildRunCmd creates the "run" command that executes one task inline.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one session in the foreground",
		Long: `Create a session for the prompt and run it to completion.

In push mode every update is printed as one JSON line while the session runs.
In poll mode the final session and its messages are printed once it ends.`,
		Example: `  # Run a task with the default provider
  deskpilot run "open Firefox and search for the weather"

  # Use Bedrock with a specific tool version
  deskpilot run --provider bedrock --tool-version computer_use_20241022 "take a screenshot"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runTask(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.provider, "provider", "p", "", "Model provider (anthropic, bedrock, vertex)")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model name (default: provider default)")
	cmd.Flags().StringVar(&opts.systemSuffix, "system-suffix", "", "Text appended to the system prompt")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "Output token limit (default: model default)")
	cmd.Flags().StringVar(&opts.toolVersion, "tool-version", "", "Tool version (default: model default)")
	cmd.Flags().IntVar(&opts.thinkingBudget, "thinking-budget", 0, "Extended thinking budget in tokens (0 = off)")

	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group for migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migration commands",
		Long: `Manage database migrations.

Migrations ensure your schema matches the version of deskpilot you're running.
The server applies pending migrations on start; these commands manage them by hand.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateDownCmd())
	cmd.AddCommand(buildMigrateStatusCmd())

	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Long: `Apply pending database migrations in order.

SQLite and Postgres each carry their own migration set; the database URL
selects which one is applied.`,
		Example: `  # Apply all pending migrations
  deskpilot migrate up

  # Apply only the next migration
  deskpilot migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, configPath, steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")

	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		Long: `Rollback the last N database migrations.

Rolling back drops session history stored by the removed schema.`,
		Example: `  # Rollback the last migration
  deskpilot migrate down`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, configPath, steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deskpilot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
