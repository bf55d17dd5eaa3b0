package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/driveback/driveback/internal/blobstore"
	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/config"
	"github.com/driveback/driveback/internal/secrets"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE.
// Available to all subcommands after the root pre-run phase completes.
var cfg *config.Config

// responseHeaderTimeout bounds the wait for response headers. A global
// client timeout would cut long-running downloads short, so only the
// header phase is bounded and cancellation is left to the context.
const responseHeaderTimeout = 30 * time.Second

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "driveback",
		Short:   "Versioned cloud-storage backup",
		Long:    "driveback continuously backs up cloud-storage accounts to local, content-addressed, versioned storage.",
		Version: version,
		// Silence Cobra's default error/usage printing — main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newGCCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newRetentionCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// loadConfig resolves the config file path (flag > env > default) and
// loads it, falling back to defaults when no file exists.
func loadConfig() error {
	path := config.DefaultConfigPath()
	if env := os.Getenv("DRIVEBACK_CONFIG"); env != "" {
		path = env
	}

	if flagConfigPath != "" {
		path = flagConfigPath
	}

	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfg = loaded

	return nil
}

// buildLogger creates an slog.Logger from the resolved config and CLI
// flags. The config file sets the baseline; --verbose and --quiet win.
// Format "auto" picks text on a terminal and JSON when piped.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	format := "auto"
	if cfg != nil {
		format = cfg.Logging.Format
	}

	opts := &slog.HandlerOptions{Level: level}

	useJSON := format == "json" ||
		(format == "auto" && !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()))
	if useJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// openCatalog opens the catalog database at the configured path, creating
// parent directories on first run.
func openCatalog(logger *slog.Logger) (*catalog.Catalog, error) {
	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	cat, err := catalog.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	return cat, nil
}

// openSecrets returns the token store at the configured path.
func openSecrets(logger *slog.Logger) *secrets.Store {
	return secrets.NewStore(cfg.Storage.SecretsFile, logger)
}

// openBlobStore returns the blob store for one account.
func openBlobStore(account *catalog.Account, logger *slog.Logger) *blobstore.Store {
	return blobstore.Open(cfg.Storage.BackupRoot, string(account.Provider), account.ID, logger)
}

// defaultHTTPClient returns the HTTP client shared by all Drive requests.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{ResponseHeaderTimeout: responseHeaderTimeout},
	}
}
