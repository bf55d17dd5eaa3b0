package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/engine"
	"github.com/driveback/driveback/internal/provider/gdrive"
	"github.com/driveback/driveback/internal/secrets"
)

func newSyncCmd() *cobra.Command {
	var (
		flagAccount      string
		flagRoot         string
		flagForceInitial bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Back up cloud accounts now",
		Long: `Run one backup pass for every active account, or a single account
with --account. Each enabled sync root is processed through the provider's
change feed; --force-initial discards the saved cursor and re-enumerates
everything (already-stored content is deduplicated, not re-downloaded into
new blobs).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), flagAccount, flagRoot, flagForceInitial)
		},
	}

	cmd.Flags().StringVar(&flagAccount, "account", "", "sync only this account (email)")
	cmd.Flags().StringVar(&flagRoot, "root", "", "sync only this root (name)")
	cmd.Flags().BoolVar(&flagForceInitial, "force-initial", false, "discard the sync cursor and re-enumerate")

	return cmd
}

func runSync(ctx context.Context, accountEmail, rootName string, forceInitial bool) error {
	logger := buildLogger()

	ctx, stop := signalContext(ctx)
	defer stop()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	store := openSecrets(logger)

	accounts, err := selectAccounts(ctx, cat, accountEmail)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if err := syncAccount(ctx, cat, store, account, rootName, forceInitial, logger); err != nil {
			return err
		}
	}

	return nil
}

// selectAccounts returns the single named account, or all active accounts
// when email is empty.
func selectAccounts(ctx context.Context, cat *catalog.Catalog, email string) ([]*catalog.Account, error) {
	if email != "" {
		account, err := cat.GetAccountByEmail(ctx, catalog.ProviderGoogleDrive, email)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", email, err)
		}

		return []*catalog.Account{account}, nil
	}

	accounts, err := cat.ListAccounts(ctx, true)
	if err != nil {
		return nil, err
	}

	if len(accounts) == 0 {
		statusf("No accounts configured. Run 'driveback accounts add' first.\n")
	}

	return accounts, nil
}

func syncAccount(ctx context.Context, cat *catalog.Catalog, store *secrets.Store, account *catalog.Account, rootName string, forceInitial bool, logger *slog.Logger) error {
	eng, err := newDriveEngine(cat, store, account, logger)
	if err != nil {
		return err
	}

	roots, err := cat.ListSyncRoots(ctx, account.ID, true)
	if err != nil {
		return err
	}

	matched := false

	for _, root := range roots {
		if rootName != "" && root.Name != rootName {
			continue
		}

		matched = true

		if forceInitial {
			if err := cat.ResetSyncRootCursor(ctx, root.ID); err != nil {
				return err
			}
		}

		result, err := eng.Run(ctx, root.ID)
		if err != nil {
			return fmt.Errorf("syncing %s / %s: %w", account.Email, root.Name, err)
		}

		printSyncResult(account, root, result)
	}

	if rootName != "" && !matched {
		return fmt.Errorf("account %s has no enabled root named %q", account.Email, rootName)
	}

	return nil
}

// newDriveEngine wires a sync engine for one Google Drive account: token
// manager over the secrets store, retrying HTTP client, per-account blob
// store.
func newDriveEngine(cat *catalog.Catalog, store *secrets.Store, account *catalog.Account, logger *slog.Logger) (*engine.Engine, error) {
	conf, err := gdrive.OAuthConfig(store)
	if err != nil {
		return nil, err
	}

	tm := gdrive.NewTokenManager(store, conf, account.Email, logger)
	client := gdrive.NewClient(gdrive.DefaultBaseURL, defaultHTTPClient(), tm, tm, logger)
	blobs := openBlobStore(account, logger)

	return engine.New(cat, blobs, client, cfg.Storage.HardlinkCurrent, logger), nil
}

func printSyncResult(account *catalog.Account, root *catalog.SyncRoot, result *engine.Result) {
	statusf("%s / %s: %d added, %d updated, %d deleted, %d quarantined, %s downloaded",
		account.Email, root.Name,
		result.FilesAdded, result.FilesUpdated, result.FilesDeleted, result.FilesQuarantined,
		formatSize(result.BytesDownloaded))

	if len(result.Errors) > 0 {
		statusf(" (%d errors)", len(result.Errors))
	}

	statusf("\n")
}
