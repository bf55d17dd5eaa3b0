package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Application directory name used across all platforms.
const appName = "driveback"

// Config file name inside the config directory.
const configFileName = "config.toml"

// Default scheduler timing.
const (
	defaultPollInterval  = time.Minute
	defaultSyncMinutes   = 360
	defaultMaxConcurrent = 2
)

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Storage: StorageConfig{
			BackupRoot:   filepath.Join(dataDir, "backups"),
			DatabasePath: filepath.Join(dataDir, "catalog.db"),
			SecretsFile:  filepath.Join(dataDir, "secrets.json"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Retention: RetentionConfig{
			KeepLastN: 10,
			KeepDays:  30,
		},
		Scheduler: SchedulerConfig{
			PollInterval:        defaultPollInterval.String(),
			MaxConcurrentSyncs:  defaultMaxConcurrent,
			SyncIntervalMinutes: defaultSyncMinutes,
		},
	}
}

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/driveback).
// On macOS, uses ~/Library/Application Support/driveback per Apple guidelines.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (backup trees, the catalog database, tokens).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/driveback).
// On macOS, config and data share one directory per platform convention.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "share", appName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultConfigPath returns the full path of the default config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), configFileName)
}
