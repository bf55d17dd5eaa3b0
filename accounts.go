package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/provider/gdrive"
	"github.com/driveback/driveback/internal/secrets"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage backed-up accounts",
	}

	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	cmd.AddCommand(newAccountsEnableCmd(true))
	cmd.AddCommand(newAccountsEnableCmd(false))

	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccountsList(cmd.Context())
		},
	}
}

func newAccountsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add a Google Drive account via OAuth",
		Long: `Authorize driveback for a Google Drive account and register it for
backup. Requires OAuth client credentials in the secrets file under the
oauth_clients key; visit the printed URL, grant read-only access, and
paste the authorization code back.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccountsAdd(cmd.Context())
		},
	}
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove EMAIL",
		Short: "Remove an account, its catalog records, and its tokens",
		Long: `Remove an account from the catalog along with its sync roots, items,
and version history, and delete its stored tokens. Backed-up files and
blobs on disk are left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsRemove(cmd.Context(), args[0])
		},
	}
}

func newAccountsEnableCmd(enable bool) *cobra.Command {
	use, short := "enable EMAIL", "Resume scheduled syncs for an account"
	if !enable {
		use, short = "disable EMAIL", "Pause scheduled syncs for an account"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsSetActive(cmd.Context(), args[0], enable)
		},
	}
}

func runAccountsList(ctx context.Context) error {
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
		statusf("No accounts configured.\n")
		return nil
	}

	rows := make([][]string, 0, len(accounts))

	for _, a := range accounts {
		roots, err := cat.ListSyncRoots(ctx, a.ID, false)
		if err != nil {
			return err
		}

		active := "yes"
		if !a.IsActive {
			active = "no"
		}

		rows = append(rows, []string{
			a.Email,
			string(a.Provider),
			active,
			strconv.Itoa(len(roots)),
			fmt.Sprintf("%dm", a.SyncIntervalMinutes),
			formatTime(a.NextSyncAt),
		})
	}

	printTable(os.Stdout, []string{"EMAIL", "PROVIDER", "ACTIVE", "ROOTS", "INTERVAL", "NEXT SYNC"}, rows)

	return nil
}

func runAccountsAdd(ctx context.Context) error {
	logger := buildLogger()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	store := openSecrets(logger)

	conf, err := gdrive.OAuthConfig(store)
	if err != nil {
		return fmt.Errorf("no OAuth client configured: %w", err)
	}

	state := uuid.NewString()

	// Auth prompts must stay visible regardless of --quiet.
	fmt.Fprintf(os.Stderr, "Visit this URL to authorize driveback:\n\n  %s\n\n", gdrive.AuthCodeURL(conf, state))
	fmt.Fprint(os.Stderr, "Paste the authorization code: ")

	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}

	rec, email, name, err := gdrive.ExchangeCode(ctx, conf, code)
	if err != nil {
		return err
	}

	if err := store.SetTokens(secrets.Key(gdrive.ProviderName, email), rec); err != nil {
		return err
	}

	existing, err := cat.GetAccountByEmail(ctx, catalog.ProviderGoogleDrive, email)
	if err == nil {
		statusf("Account %s already registered; tokens updated.\n", existing.Email)
		return nil
	}

	if !errors.Is(err, catalog.ErrNotFound) {
		return err
	}

	account := &catalog.Account{
		Provider:            catalog.ProviderGoogleDrive,
		Name:                name,
		Email:               email,
		IsActive:            true,
		SyncIntervalMinutes: cfg.Scheduler.SyncIntervalMinutes,
	}
	if err := cat.CreateAccount(ctx, account); err != nil {
		return err
	}

	// Every Drive account starts with its root folder as the one sync root.
	root := &catalog.SyncRoot{
		AccountID:      account.ID,
		ProviderRootID: "root",
		Name:           "My Drive",
		IsEnabled:      true,
	}
	if err := cat.CreateSyncRoot(ctx, root); err != nil {
		return err
	}

	statusf("Added %s. First sync will enumerate the full drive.\n", email)

	return nil
}

func runAccountsRemove(ctx context.Context, email string) error {
	logger := buildLogger()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	account, err := cat.GetAccountByEmail(ctx, catalog.ProviderGoogleDrive, email)
	if err != nil {
		return fmt.Errorf("account %s: %w", email, err)
	}

	if err := cat.DeleteAccount(ctx, account.ID); err != nil {
		return err
	}

	store := openSecrets(logger)
	if _, err := store.DeleteTokens(secrets.Key(gdrive.ProviderName, email)); err != nil {
		return err
	}

	statusf("Removed %s. Files under the backup root were kept.\n", email)

	return nil
}

func runAccountsSetActive(ctx context.Context, email string, active bool) error {
	logger := buildLogger()

	cat, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	account, err := cat.GetAccountByEmail(ctx, catalog.ProviderGoogleDrive, email)
	if err != nil {
		return fmt.Errorf("account %s: %w", email, err)
	}

	if err := cat.SetAccountActive(ctx, account.ID, active); err != nil {
		return err
	}

	if active {
		statusf("Enabled %s.\n", email)
	} else {
		statusf("Disabled %s.\n", email)
	}

	return nil
}
