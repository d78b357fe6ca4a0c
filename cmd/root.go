// Package cmd implements the multipublish command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/multipublish/internal/config"
)

var cfgFile string

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multipublish",
		Short: "Publish articles to many platforms and track how they perform.",
		Long: `multipublish runs the job orchestration core behind multi-platform
article publishing: a prioritized job queue, per-platform publishers,
headless-browser scrapers for engagement stats and comments, notification
fan-out and cron-driven scrape scheduling.`,
		SilenceUsage: true,

		// Load configuration once so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEnqueueCmd())

	return cmd
}

func configFrom(cmd *cobra.Command) (config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "multipublish: %v\n", err)
		os.Exit(1)
	}
}
