// Package gc reclaims backup storage according to retention policies: it
// purges old file versions, deletes blobs no version references, and
// expires long-quarantined items.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/driveback/driveback/internal/blobstore"
	"github.com/driveback/driveback/internal/catalog"
)

// Retention is the fallback policy when the catalog holds none for an
// account.
type Retention struct {
	KeepLastN int
	KeepDays  int
}

// DefaultRetention matches the documented defaults.
var DefaultRetention = Retention{KeepLastN: 10, KeepDays: 30}

// Result summarizes one collection run.
type Result struct {
	VersionsPurged   int
	BlobsDeleted     int
	QuarantinePurged int
	BytesFreed       int64
	Errors           []string
}

// StoreOpener returns the blob store for one account. Injected so tests
// can point each account at a temp directory.
type StoreOpener func(account *catalog.Account) (*blobstore.Store, error)

// Collector runs garbage collection over one or all accounts.
type Collector struct {
	cat       *catalog.Catalog
	openStore StoreOpener
	defaults  Retention
	dryRun    bool
	logger    *slog.Logger

	nowFunc func() time.Time
}

// New creates a collector. With dryRun set it reports what would be
// deleted without touching anything.
func New(cat *catalog.Catalog, openStore StoreOpener, defaults Retention, dryRun bool, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	if defaults.KeepLastN <= 0 {
		defaults.KeepLastN = DefaultRetention.KeepLastN
	}

	if defaults.KeepDays <= 0 {
		defaults.KeepDays = DefaultRetention.KeepDays
	}

	return &Collector{
		cat:       cat,
		openStore: openStore,
		defaults:  defaults,
		dryRun:    dryRun,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (c *Collector) SetNowFunc(fn func() time.Time) { c.nowFunc = fn }

// Run collects garbage for every account.
func (c *Collector) Run(ctx context.Context) (*Result, error) {
	accounts, err := c.cat.ListAccounts(ctx, false)
	if err != nil {
		return nil, err
	}

	total := &Result{}

	for _, account := range accounts {
		res, err := c.RunAccount(ctx, account)
		if err != nil {
			return total, err
		}

		total.VersionsPurged += res.VersionsPurged
		total.BlobsDeleted += res.BlobsDeleted
		total.QuarantinePurged += res.QuarantinePurged
		total.BytesFreed += res.BytesFreed
		total.Errors = append(total.Errors, res.Errors...)
	}

	return total, nil
}

// RunAccount collects garbage for one account in three ordered phases:
// version purge, orphan blob deletion, quarantine expiry. The order
// matters — the version purge creates the orphans phase two reclaims.
func (c *Collector) RunAccount(ctx context.Context, account *catalog.Account) (*Result, error) {
	retention := c.resolveRetention(ctx, account)

	c.logger.Info("starting garbage collection",
		slog.String("account", account.Email),
		slog.Int("keep_last_n", retention.KeepLastN),
		slog.Int("keep_days", retention.KeepDays),
		slog.Bool("dry_run", c.dryRun),
	)

	store, err := c.openStore(account)
	if err != nil {
		return nil, fmt.Errorf("gc: opening store for account %d: %w", account.ID, err)
	}

	result := &Result{}

	if err := c.purgeOldVersions(ctx, account, retention, result); err != nil {
		return result, err
	}

	if err := c.deleteOrphanBlobs(ctx, account, store, result); err != nil {
		return result, err
	}

	if err := c.expireQuarantine(ctx, account, store, retention, result); err != nil {
		return result, err
	}

	c.logger.Info("garbage collection complete",
		slog.String("account", account.Email),
		slog.Int("versions_purged", result.VersionsPurged),
		slog.Int("blobs_deleted", result.BlobsDeleted),
		slog.Int("quarantine_purged", result.QuarantinePurged),
		slog.String("bytes_freed", humanize.IBytes(uint64(result.BytesFreed))),
		slog.Int("errors", len(result.Errors)),
	)

	return result, nil
}

// resolveRetention returns the account's policy, or the configured
// defaults when none is stored.
func (c *Collector) resolveRetention(ctx context.Context, account *catalog.Account) Retention {
	policy, err := c.cat.ResolveRetentionPolicy(ctx, account.ID, 0)
	if errors.Is(err, catalog.ErrNotFound) {
		return c.defaults
	}

	if err != nil {
		c.logger.Warn("resolving retention policy, using defaults",
			slog.String("error", err.Error()))
		return c.defaults
	}

	r := Retention{KeepLastN: policy.KeepLastN, KeepDays: policy.KeepDays}
	if r.KeepLastN <= 0 {
		r.KeepLastN = c.defaults.KeepLastN
	}

	if r.KeepDays <= 0 {
		r.KeepDays = c.defaults.KeepDays
	}

	return r
}

// purgeOldVersions deletes versions an item no longer needs. Per item,
// every version survives that is within the newest keepLastN OR younger
// than keepDays — a version is deleted only when both limits are
// exceeded.
func (c *Collector) purgeOldVersions(ctx context.Context, account *catalog.Account, retention Retention, result *Result) error {
	cutoff := c.nowFunc().AddDate(0, 0, -retention.KeepDays)

	items, err := c.cat.ListItemsByAccount(ctx, account.ID)
	if err != nil {
		return err
	}

	for _, item := range items {
		versions, err := c.cat.ListVersions(ctx, item.ID)
		if err != nil {
			return err
		}

		if len(versions) <= retention.KeepLastN {
			continue
		}

		var doomed []int64
		for i, v := range versions {
			if i >= retention.KeepLastN && v.CapturedAt.Before(cutoff) {
				doomed = append(doomed, v.ID)
			}
		}

		if len(doomed) == 0 {
			continue
		}

		if c.dryRun {
			c.logger.Info("would purge versions",
				slog.Int64("item_id", item.ID),
				slog.String("path", item.Path),
				slog.Int("count", len(doomed)),
			)
		} else if err := c.cat.DeleteVersions(ctx, doomed); err != nil {
			return err
		}

		result.VersionsPurged += len(doomed)
	}

	return nil
}

// deleteOrphanBlobs removes blobs with zero referencing versions from
// both the filesystem and the catalog. A blob that fails to delete is
// recorded and skipped so one bad file cannot wedge the whole run.
func (c *Collector) deleteOrphanBlobs(ctx context.Context, account *catalog.Account, store *blobstore.Store, result *Result) error {
	orphans, err := c.cat.ListOrphanBlobs(ctx, account.ID)
	if err != nil {
		return err
	}

	for _, blob := range orphans {
		if c.dryRun {
			c.logger.Info("would delete orphan blob",
				slog.String("digest", blob.Digest),
				slog.Int64("size", blob.SizeBytes),
			)

			result.BlobsDeleted++
			result.BytesFreed += blob.SizeBytes

			continue
		}

		dgst, err := blobstore.ParseDigest(blob.Digest)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("blob %s: %v", blob.Digest, err))
			continue
		}

		removed, err := store.DeleteBlob(dgst)
		if err != nil {
			c.logger.Warn("deleting orphan blob failed",
				slog.String("digest", blob.Digest),
				slog.String("error", err.Error()),
			)

			result.Errors = append(result.Errors, fmt.Sprintf("blob %s: %v", blob.Digest, err))

			continue
		}

		if err := c.cat.DeleteBlobRow(ctx, blob.Digest); err != nil {
			return err
		}

		result.BlobsDeleted++
		if removed {
			result.BytesFreed += blob.SizeBytes
		}
	}

	return nil
}

// expireQuarantine transitions items quarantined longer than keepDays to
// the terminal PURGED state and removes their archive/ copies. Their
// versions stay until the version purge ages them out.
func (c *Collector) expireQuarantine(ctx context.Context, account *catalog.Account, store *blobstore.Store, retention Retention, result *Result) error {
	cutoff := c.nowFunc().AddDate(0, 0, -retention.KeepDays)

	items, err := c.cat.ListQuarantinedBefore(ctx, account.ID, cutoff)
	if err != nil {
		return err
	}

	for _, item := range items {
		if c.dryRun {
			c.logger.Info("would purge quarantined item",
				slog.String("path", item.Path),
				slog.Time("quarantined_at", item.StateChangedAt),
			)

			result.QuarantinePurged++

			continue
		}

		if item.ItemType == catalog.ItemTypeFile {
			if _, err := store.RemoveFromArchive(item.Path); err != nil {
				c.logger.Warn("removing archived copy failed",
					slog.String("path", item.Path),
					slog.String("error", err.Error()),
				)

				result.Errors = append(result.Errors, fmt.Sprintf("archive %s: %v", item.Path, err))
			}
		}

		if err := c.cat.SetItemState(ctx, item.ID, catalog.StatePurged, item.MissingSinceSyncCount); err != nil {
			return err
		}

		result.QuarantinePurged++

		c.logger.Info("purged quarantined item", slog.String("path", item.Path))
	}

	return nil
}
