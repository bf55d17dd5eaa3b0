package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation bounds.
const (
	minPollInterval = 5 * time.Second
	minSyncMinutes  = 1
	maxConcurrent   = 32
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{
	"auto": true, "text": true, "json": true,
}

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)

	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if s.BackupRoot == "" {
		errs = append(errs, errors.New("backup_root: must not be empty"))
	}

	if s.DatabasePath == "" {
		errs = append(errs, errors.New("database_path: must not be empty"))
	}

	if s.SecretsFile == "" {
		errs = append(errs, errors.New("secrets_file: must not be empty"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be debug, info, warn, or error, got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be auto, text, or json, got %q", l.Format))
	}

	return errs
}

func validateRetention(r *RetentionConfig) []error {
	var errs []error

	if r.KeepLastN < 1 {
		errs = append(errs, fmt.Errorf("retention.keep_last_n: must be at least 1, got %d", r.KeepLastN))
	}

	if r.KeepDays < 1 {
		errs = append(errs, fmt.Errorf("retention.keep_days: must be at least 1, got %d", r.KeepDays))
	}

	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error

	d, err := time.ParseDuration(s.PollInterval)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("scheduler.poll_interval: %w", err))
	case d < minPollInterval:
		errs = append(errs, fmt.Errorf("scheduler.poll_interval: must be at least %s, got %s", minPollInterval, d))
	}

	if s.MaxConcurrentSyncs < 1 || s.MaxConcurrentSyncs > maxConcurrent {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrent_syncs: must be between 1 and %d, got %d",
			maxConcurrent, s.MaxConcurrentSyncs))
	}

	if s.SyncIntervalMinutes < minSyncMinutes {
		errs = append(errs, fmt.Errorf("scheduler.sync_interval_minutes: must be at least %d, got %d",
			minSyncMinutes, s.SyncIntervalMinutes))
	}

	return errs
}
