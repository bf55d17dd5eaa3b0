package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/blobstore"
	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/gc"
)

func newGCCmd() *cobra.Command {
	var (
		flagAccount string
		flagDryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim storage per retention policy",
		Long: `Purge file versions outside the retention policy, delete blobs no
version references, and expire long-quarantined items. With --dry-run,
report what would be reclaimed without deleting anything.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGC(cmd.Context(), flagAccount, flagDryRun)
		},
	}

	cmd.Flags().StringVar(&flagAccount, "account", "", "collect only this account (email)")
	cmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report without deleting")

	return cmd
}

func runGC(ctx context.Context, accountEmail string, dryRun bool) error {
	logger := buildLogger()

	ctx, stop := signalContext(ctx)
	defer stop()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	defaults := gc.Retention{
		KeepLastN: cfg.Retention.KeepLastN,
		KeepDays:  cfg.Retention.KeepDays,
	}

	opener := func(account *catalog.Account) (*blobstore.Store, error) {
		return openBlobStore(account, logger), nil
	}

	collector := gc.New(cat, opener, defaults, dryRun, logger)

	var result *gc.Result

	if accountEmail != "" {
		account, err := cat.GetAccountByEmail(ctx, catalog.ProviderGoogleDrive, accountEmail)
		if err != nil {
			return fmt.Errorf("account %s: %w", accountEmail, err)
		}

		result, err = collector.RunAccount(ctx, account)
		if err != nil {
			return err
		}
	} else {
		result, err = collector.Run(ctx)
		if err != nil {
			return err
		}
	}

	label := "gc"
	if dryRun {
		label = "gc (dry run)"
	}

	statusf("%s: %d versions purged, %d blobs deleted, %d quarantined items purged, %s freed",
		label, result.VersionsPurged, result.BlobsDeleted, result.QuarantinePurged,
		formatSize(result.BytesFreed))

	if len(result.Errors) > 0 {
		statusf(" (%d errors)", len(result.Errors))
	}

	statusf("\n")

	return nil
}
