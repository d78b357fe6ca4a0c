package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/multipublish/internal/app"
	"github.com/JakeFAU/multipublish/internal/jobs"
)

func newEnqueueCmd() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <job-type> <payload-json>",
		Short: "Submit one job to the queue, e.g. enqueue cleanup '{\"olderThanDays\":90}'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			typ := jobs.Type(args[0])
			queue := typ.Queue()
			if queue == "" {
				return fmt.Errorf("unknown job type %q", args[0])
			}
			payload, err := jobs.DecodePayload(typ, json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			if err := payload.Validate(); err != nil {
				return err
			}

			// Only the queue is needed; keep the browser and scheduler idle.
			cfg.Browser.Enabled = false
			cfg.Scheduler.Enabled = false
			a, err := app.Build(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() { _ = a.Close(cmd.Context()) }()
			if cfg.Queue.Backend != "redis" {
				cmd.PrintErrln("warning: memory queue backend; the job is lost when this command exits")
			}

			var opts []jobs.Option
			if priority > 0 {
				opts = append(opts, jobs.WithPriority(priority))
			}
			job, err := a.Queue().Enqueue(cmd.Context(), queue, payload, opts...)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", typ, err)
			}
			cmd.Printf("enqueued %s job %s on %s (run at %s)\n", job.Type, job.ID, job.Queue, job.RunAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority, lower runs first (0 keeps the family default)")
	return cmd
}
