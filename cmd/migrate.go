package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/multipublish/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required")
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if direction == "down" {
				if err := postgres.MigrateDown(cfg.Database.DSN, steps); err != nil {
					return fmt.Errorf("roll back migrations: %w", err)
				}
			} else if err := postgres.Migrate(cfg.Database.DSN); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			cmd.Printf("migrations %s complete\n", direction)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back with down")
	return cmd
}
