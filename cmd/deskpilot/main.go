// Package main provides the CLI entry point for deskpilot, the computer-use
// agent session service.
//
// # Basic Usage
//
// Start the API server:
//
//	deskpilot serve --config deskpilot.yaml
//
// Run one task in the terminal:
//
//	deskpilot run "open the calculator and add 2 and 2"
//
// Manage database migrations:
//
//	deskpilot migrate up
//	deskpilot migrate status
//
// # Environment Variables
//
//   - DESKPILOT_CONFIG: Path to configuration file (default: deskpilot.yaml if present)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - API_PROVIDER: Default provider (anthropic, bedrock, vertex)
//   - AWS_REGION, AWS_PROFILE: Bedrock settings
//   - VERTEX_PROJECT_ID, CLOUD_ML_REGION: Vertex settings
//   - DATABASE_URL: SQLite path or postgres:// URL
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "deskpilot.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deskpilot",
		Short: "deskpilot - computer-use agent sessions",
		Long: `deskpilot runs computer-use agent sessions against a shared remote desktop.

Each session is one task: the agent looks at the screen, drives mouse, keyboard,
shell and editor tools, and persists every turn. Clients follow a session by
polling or through server-sent events and WebSockets.

Supported model providers: Anthropic, AWS Bedrock, Google Vertex AI`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the explicit path, then DESKPILOT_CONFIG, then
// ./deskpilot.yaml when it exists. Empty means built-in defaults.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("DESKPILOT_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}
