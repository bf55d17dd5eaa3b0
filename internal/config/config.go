// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for driveback. Values resolve through
// a three-layer chain: built-in defaults, the config file, then CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	Retention RetentionConfig `toml:"retention"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

// StorageConfig locates everything driveback writes to disk: the backup
// tree, the catalog database, and the secrets file.
type StorageConfig struct {
	// BackupRoot is the directory holding per-account backup trees
	// (blobs/, current/, archive/).
	BackupRoot string `toml:"backup_root"`
	// DatabasePath is the SQLite catalog file.
	DatabasePath string `toml:"database_path"`
	// SecretsFile holds OAuth tokens and client credentials, mode 0600.
	SecretsFile string `toml:"secrets_file"`
	// HardlinkCurrent materializes current/ entries as hard links into
	// the blob store instead of copies. Saves disk space, but an edit
	// made through current/ would corrupt the linked blob, so it is
	// off by default.
	HardlinkCurrent bool `toml:"hardlink_current"`
}

// LoggingConfig controls log output: level and text vs JSON format.
// Format "auto" picks text on a terminal and JSON otherwise.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RetentionConfig sets the garbage-collection fallback used when the
// catalog holds no per-account or per-root retention policy. A version is
// purged only when it is outside the newest keep_last_n AND older than
// keep_days.
type RetentionConfig struct {
	KeepLastN int `toml:"keep_last_n"`
	KeepDays  int `toml:"keep_days"`
}

// SchedulerConfig controls the background sync loop: how often due
// accounts are polled for, how many syncs run at once, and how far
// next_sync_at advances when an account is claimed.
type SchedulerConfig struct {
	PollInterval        string `toml:"poll_interval"`
	MaxConcurrentSyncs  int    `toml:"max_concurrent_syncs"`
	SyncIntervalMinutes int    `toml:"sync_interval_minutes"`
}

// PollIntervalDuration returns the parsed poll interval. Call only after
// Validate has accepted the config.
func (s SchedulerConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return defaultPollInterval
	}

	return d
}

// SyncInterval returns the per-account reschedule interval as a Duration.
func (s SchedulerConfig) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMinutes) * time.Minute
}
