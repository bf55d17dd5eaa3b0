package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/catalog"
)

func newRetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Manage per-account retention policies",
		Long: `Show or set how many file versions garbage collection keeps. A version
survives while it is within the newest keep-last-n for its file OR younger
than keep-days. Accounts without a policy use the configured defaults.`,
	}

	cmd.AddCommand(newRetentionShowCmd())
	cmd.AddCommand(newRetentionSetCmd())

	return cmd
}

func newRetentionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show EMAIL",
		Short: "Show the effective retention policy for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetentionShow(cmd.Context(), args[0])
		},
	}
}

func newRetentionSetCmd() *cobra.Command {
	var (
		flagKeepLastN int
		flagKeepDays  int
	)

	cmd := &cobra.Command{
		Use:   "set EMAIL",
		Short: "Set the retention policy for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetentionSet(cmd.Context(), args[0], flagKeepLastN, flagKeepDays)
		},
	}

	cmd.Flags().IntVar(&flagKeepLastN, "keep-last-n", 0, "versions to always keep per file")
	cmd.Flags().IntVar(&flagKeepDays, "keep-days", 0, "age in days below which versions are kept")
	_ = cmd.MarkFlagRequired("keep-last-n")
	_ = cmd.MarkFlagRequired("keep-days")

	return cmd
}

func runRetentionShow(ctx context.Context, email string) error {
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

	policy, err := cat.ResolveRetentionPolicy(ctx, account.ID, 0)
	if errors.Is(err, catalog.ErrNotFound) {
		fmt.Printf("%s: defaults (keep_last_n=%d, keep_days=%d)\n",
			email, cfg.Retention.KeepLastN, cfg.Retention.KeepDays)

		return nil
	}

	if err != nil {
		return err
	}

	fmt.Printf("%s: keep_last_n=%d, keep_days=%d\n", email, policy.KeepLastN, policy.KeepDays)

	return nil
}

func runRetentionSet(ctx context.Context, email string, keepLastN, keepDays int) error {
	if keepLastN < 1 || keepDays < 1 {
		return errors.New("keep-last-n and keep-days must be at least 1")
	}

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

	policy := &catalog.RetentionPolicy{
		AccountID: account.ID,
		KeepLastN: keepLastN,
		KeepDays:  keepDays,
	}
	if err := cat.SetRetentionPolicy(ctx, policy); err != nil {
		return err
	}

	statusf("Retention for %s: keep_last_n=%d, keep_days=%d\n", email, keepLastN, keepDays)

	return nil
}
