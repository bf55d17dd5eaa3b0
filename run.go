package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync scheduler",
		Long: `Poll for accounts whose next sync is due and back them up
continuously until interrupted. Concurrency is bounded by
scheduler.max_concurrent_syncs; each account reschedules itself by its
sync interval when claimed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	logger := buildLogger()

	ctx, stop := signalContext(ctx)
	defer stop()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	store := openSecrets(logger)

	runFn := func(ctx context.Context, account *catalog.Account, root *catalog.SyncRoot) error {
		eng, err := newDriveEngine(cat, store, account, logger)
		if err != nil {
			return err
		}

		result, err := eng.Run(ctx, root.ID)
		if err != nil {
			return err
		}

		if len(result.Errors) > 0 {
			logger.Warn("sync completed with errors",
				slog.String("account", account.Email),
				slog.String("root", root.Name),
				slog.Int("errors", len(result.Errors)),
			)
		}

		return nil
	}

	s := scheduler.New(cat, runFn,
		cfg.Scheduler.PollIntervalDuration(), cfg.Scheduler.MaxConcurrentSyncs, logger)

	statusf("Scheduler running; press Ctrl-C to stop.\n")

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	return nil
}
