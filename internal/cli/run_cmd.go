package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trafficlake/internal/etl"
)

func newRunCmd() *cobra.Command {
	var (
		workers         int
		full            bool
		invalidateCache bool
		schedule        string
		timeout         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ETL batch, or keep running on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("workers") {
				a.cfg.Workers = workers
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := etl.RunOptions{Full: full, InvalidateCache: invalidateCache}

			if schedule != "" {
				sched := etl.NewScheduler(a.orch, opts, a.logger)
				if err := sched.Start(ctx, schedule); err != nil {
					return err
				}
				<-ctx.Done()
				sched.Stop()
				return nil
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			_, err = a.orch.Run(ctx, opts)
			return err
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "Worker-pool width (overrides ETL_WORKERS)")
	cmd.Flags().BoolVar(&full, "full", false, "Discard watermarks and reload every table from scratch")
	cmd.Flags().BoolVar(&invalidateCache, "invalidate-cache", true, "Ask the serving API to evict query caches after a successful batch")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression; keeps the process alive and runs batches on schedule")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort a single batch after this duration (0 = no limit)")
	return cmd
}
