package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/multipublish/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue consumers and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
