package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/catalog"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts, sync roots, and storage usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	logger := buildLogger()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	accounts, err := cat.ListAccounts(ctx, false)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts configured. Run 'driveback accounts add' first.")
		return nil
	}

	for i, account := range accounts {
		if i > 0 {
			fmt.Println()
		}

		if err := printAccountStatus(ctx, cat, account); err != nil {
			return err
		}
	}

	return nil
}

func printAccountStatus(ctx context.Context, cat *catalog.Catalog, account *catalog.Account) error {
	state := "active"
	if !account.IsActive {
		state = "disabled"
	}

	fmt.Printf("%s (%s, %s)\n", account.Email, account.Provider, state)

	store := openBlobStore(account, buildLogger())

	stats, err := store.CollectStats()
	if err != nil {
		fmt.Printf("  storage: unavailable (%v)\n", err)
	} else {
		fmt.Printf("  storage: %d blobs, %s, %d current files\n",
			stats.BlobCount, formatSize(stats.TotalSizeBytes), stats.CurrentFileCount)
	}

	roots, err := cat.ListSyncRoots(ctx, account.ID, false)
	if err != nil {
		return err
	}

	if len(roots) == 0 {
		fmt.Println("  no sync roots")
		return nil
	}

	rows := make([][]string, 0, len(roots))

	for _, root := range roots {
		enabled := "yes"
		if !root.IsEnabled {
			enabled = "no"
		}

		rows = append(rows, []string{
			"  " + root.Name,
			enabled,
			formatTime(root.LastSyncAt),
			lastSessionSummary(ctx, cat, root.ID),
		})
	}

	printTable(os.Stdout, []string{"  ROOT", "ENABLED", "LAST SYNC", "LAST SESSION"}, rows)

	return nil
}

// lastSessionSummary condenses a root's most recent session into one cell.
func lastSessionSummary(ctx context.Context, cat *catalog.Catalog, rootID int64) string {
	session, err := cat.LatestSession(ctx, rootID)
	if errors.Is(err, catalog.ErrNotFound) {
		return "never synced"
	}

	if err != nil {
		return "unknown"
	}

	kind := "incremental"
	if session.IsInitial {
		kind = "initial"
	}

	switch session.Status {
	case catalog.SessionRunning:
		return kind + " sync running"
	case catalog.SessionFailed:
		return fmt.Sprintf("%s sync failed: %s", kind, session.ErrorMessage)
	default:
		return fmt.Sprintf("%s: +%d ~%d -%d, %s",
			kind, session.FilesAdded, session.FilesUpdated, session.FilesDeleted,
			formatSize(session.BytesDownloaded))
	}
}
