package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/deskpilot/internal/config"
	"github.com/haasonsaas/deskpilot/internal/sessions"
)

// runConfigValidate loads the configuration the way serve would.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if configPath == "" {
		fmt.Fprintln(out, "No config file found; built-in defaults are valid.")
	} else {
		fmt.Fprintf(out, "Config OK: %s\n", configPath)
	}
	fmt.Fprintf(out, "  provider: %s (credential policy: %s)\n", cfg.LLM.DefaultProvider, cfg.LLM.CredentialPolicy)
	fmt.Fprintf(out, "  database: %s\n", sessions.DialectFromURL(cfg.Database.URL))
	fmt.Fprintf(out, "  updates:  %s\n", cfg.Updates.Mode)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
