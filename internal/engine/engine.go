// Package engine orchestrates backup sync runs: it drains a provider's
// change feed, stores content in the blob store, maintains the catalog's
// item and version records, and drives the deletion-state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/driveback/driveback/internal/blobstore"
	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/provider"
)

// initialFeedToken is where a provider change feed begins; walking from it
// to the start page token enumerates every current file as an addition.
const initialFeedToken = "1"

// Result summarizes one sync run.
type Result struct {
	FilesAdded       int
	FilesUpdated     int
	FilesDeleted     int
	FilesQuarantined int
	BytesDownloaded  int64
	Errors           []error
}

// Engine executes sync runs. One Engine serves all roots of an account;
// per-root locking keeps concurrent runs of the same root out.
type Engine struct {
	cat    *catalog.Catalog
	store  *blobstore.Store
	client provider.Client
	logger *slog.Logger
	locks  *rootLocks

	// hardlink controls whether current/ entries link to blobs instead of
	// copying them.
	hardlink bool

	nowFunc func() time.Time // injectable for deterministic tests
}

// New creates an engine for one account's catalog, blob store, and
// provider client.
func New(cat *catalog.Catalog, store *blobstore.Store, client provider.Client, hardlink bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cat:      cat,
		store:    store,
		client:   client,
		logger:   logger,
		locks:    newRootLocks(),
		hardlink: hardlink,
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.nowFunc = fn }

// run carries the state of a single sync run.
type run struct {
	*Engine
	account   *catalog.Account
	root      *catalog.SyncRoot
	session   *catalog.SyncSession
	pb        *PathBuilder
	syncStart time.Time
	result    Result
}

// Run executes one sync of a root: initial when no cursor has been
// persisted, incremental otherwise. Per-file failures are recorded and
// skipped; the returned error is non-nil only when the run as a whole
// failed.
func (e *Engine) Run(ctx context.Context, rootID int64) (*Result, error) {
	if !e.locks.tryLock(rootID) {
		return nil, fmt.Errorf("%w: root %d", ErrRootBusy, rootID)
	}
	defer e.locks.unlock(rootID)

	root, err := e.cat.GetSyncRoot(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading sync root %d: %w", rootID, err)
	}

	account, err := e.cat.GetAccount(ctx, root.AccountID)
	if err != nil {
		return nil, fmt.Errorf("engine: loading account %d: %w", root.AccountID, err)
	}

	if err := e.client.RefreshTokensIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRefresh, err)
	}

	if !account.IsActive {
		return nil, fmt.Errorf("%w: account %d is disabled", ErrSyncAborted, account.ID)
	}

	if !root.IsEnabled {
		return nil, fmt.Errorf("%w: sync root %d is disabled", ErrSyncAborted, root.ID)
	}

	if err := e.store.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("engine: preparing storage: %w", err)
	}

	pb, err := NewPathBuilder(ctx, e.cat, root, e.logger)
	if err != nil {
		return nil, err
	}

	isInitial := root.SyncCursor == "" || root.LastSyncAt.IsZero()

	session := &catalog.SyncSession{
		SyncRootID:  root.ID,
		IsInitial:   isInitial,
		StartCursor: root.SyncCursor,
		StartedAt:   e.nowFunc(),
	}
	if err := e.cat.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	r := &run{
		Engine:    e,
		account:   account,
		root:      root,
		session:   session,
		pb:        pb,
		syncStart: session.StartedAt,
	}

	e.logger.Info("starting sync",
		slog.String("root", root.Name),
		slog.Int64("session_id", session.ID),
		slog.Bool("initial", isInitial),
	)

	if isInitial {
		err = r.runInitial(ctx)
	} else {
		err = r.runIncremental(ctx)
	}

	r.syncCounters()

	if err != nil {
		if cerr := e.cat.CompleteSession(ctx, session, catalog.SessionFailed, err.Error()); cerr != nil {
			e.logger.Error("recording failed session", slog.String("error", cerr.Error()))
		}

		e.logger.Error("sync failed",
			slog.String("root", root.Name),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	if err := e.cat.CompleteSession(ctx, session, catalog.SessionCompleted, ""); err != nil {
		return nil, err
	}

	e.logger.Info("sync completed",
		slog.String("root", root.Name),
		slog.Int("added", r.result.FilesAdded),
		slog.Int("updated", r.result.FilesUpdated),
		slog.Int("deleted", r.result.FilesDeleted),
		slog.Int("quarantined", r.result.FilesQuarantined),
		slog.Int64("bytes_downloaded", r.result.BytesDownloaded),
		slog.Int("errors", len(r.result.Errors)),
	)

	return &r.result, nil
}

func (r *run) syncCounters() {
	r.session.FilesAdded = r.result.FilesAdded
	r.session.FilesUpdated = r.result.FilesUpdated
	r.session.FilesDeleted = r.result.FilesDeleted
	r.session.FilesQuarantined = r.result.FilesQuarantined
	r.session.BytesDownloaded = r.result.BytesDownloaded
}

// runInitial enumerates every current file as an addition. The start page
// token is captured before enumeration so changes made while it runs are
// replayed by the next incremental sync. Deletions in the feed are noise
// from before the backup existed and are skipped.
func (r *run) runInitial(ctx context.Context) error {
	startToken, err := r.client.GetStartPageToken(ctx)
	if err != nil {
		return fmt.Errorf("engine: fetching start page token: %w", err)
	}

	_, err = provider.WalkChanges(ctx, r.client, initialFeedToken, func(page *provider.ChangesPage) error {
		additions := page.Changes[:0:0]
		for _, ch := range page.Changes {
			if !ch.Removed {
				additions = append(additions, ch)
			}
		}

		return r.processBatch(ctx, additions, pageCursor(page), true)
	})
	if err != nil {
		return err
	}

	r.session.EndCursor = startToken

	if err := r.cat.UpdateSyncRootCursor(ctx, r.root.ID, startToken, r.nowFunc()); err != nil {
		return err
	}

	r.logger.Info("initial sync complete", slog.String("cursor", startToken))

	return nil
}

// runIncremental drains the feed from the persisted cursor, then runs the
// deletion-state sweep. The root's cursor advances only when the whole run
// succeeds; a failed run replays from the previous cursor.
func (r *run) runIncremental(ctx context.Context) error {
	final, err := provider.WalkChanges(ctx, r.client, r.root.SyncCursor, func(page *provider.ChangesPage) error {
		return r.processBatch(ctx, page.Changes, pageCursor(page), false)
	})
	if err != nil {
		return err
	}

	quarantined, err := r.sweepUnseen(ctx)
	if err != nil {
		return err
	}

	r.result.FilesQuarantined = quarantined

	cursor := final
	if cursor == "" {
		cursor = r.session.EndCursor
	}

	if cursor == "" {
		cursor = r.root.SyncCursor
	}

	r.session.EndCursor = cursor

	if err := r.cat.UpdateSyncRootCursor(ctx, r.root.ID, cursor, r.nowFunc()); err != nil {
		return err
	}

	r.logger.Info("incremental sync complete", slog.String("cursor", cursor))

	return nil
}

// pageCursor picks the checkpoint cursor a page carries.
func pageCursor(page *provider.ChangesPage) string {
	if page.NewStartPageToken != "" {
		return page.NewStartPageToken
	}

	return page.NextPageToken
}

// processBatch applies one page of changes, each in its own transaction,
// then checkpoints the cursor on the session. A failed change is recorded
// as an error event and skipped.
func (r *run) processBatch(ctx context.Context, changes []provider.Change, cursor string, isInitial bool) error {
	for i := range changes {
		ch := &changes[i]

		if err := r.processChange(ctx, ch, isInitial); err != nil {
			if ctx.Err() != nil {
				return err
			}

			r.logger.Warn("change processing failed",
				slog.String("file_id", ch.FileID),
				slog.String("error", err.Error()),
			)

			r.result.Errors = append(r.result.Errors, err)

			if evErr := r.cat.AppendEvent(ctx, &catalog.SyncEvent{
				SessionID:      r.session.ID,
				EventType:      catalog.EventError,
				ProviderFileID: ch.FileID,
				Message:        err.Error(),
			}); evErr != nil {
				return evErr
			}
		}
	}

	if cursor != "" {
		if err := r.cat.CheckpointSession(ctx, r.session.ID, cursor); err != nil {
			return err
		}

		r.session.EndCursor = cursor

		if err := r.cat.AppendEvent(ctx, &catalog.SyncEvent{
			SessionID: r.session.ID,
			EventType: catalog.EventCheckpoint,
			Message:   "cursor " + cursor,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (r *run) processChange(ctx context.Context, ch *provider.Change, isInitial bool) error {
	if ch.Removed {
		if isInitial {
			return nil
		}

		return r.processDeleted(ctx, ch)
	}

	if ch.File == nil {
		return nil
	}

	if ch.File.IsFolder {
		return r.processFolder(ctx, ch.File)
	}

	return r.processFile(ctx, ch.File)
}

// processFolder records the folder item and creates its directory under
// current/. Content never downloads for folders.
func (r *run) processFolder(ctx context.Context, f *provider.FileMetadata) error {
	path, err := r.pb.BuildPath(ctx, f)
	if err != nil {
		return err
	}

	var created, updated bool

	err = r.cat.InTx(ctx, func(tx *catalog.Catalog) error {
		item, err := tx.GetItemByProviderID(ctx, r.root.ID, f.ID)
		if errors.Is(err, catalog.ErrNotFound) {
			item = &catalog.BackupItem{
				SyncRootID:         r.root.ID,
				ProviderItemID:     f.ID,
				Name:               f.Name,
				Path:               path,
				ItemType:           catalog.ItemTypeFolder,
				MimeType:           f.MimeType,
				ProviderModifiedAt: f.ModifiedAt,
				LastSeenAt:         r.syncStart,
			}
			if err := tx.CreateItem(ctx, item); err != nil {
				return err
			}

			created = true

			return tx.AppendEvent(ctx, &catalog.SyncEvent{
				SessionID:      r.session.ID,
				EventType:      catalog.EventFileAdded,
				BackupItemID:   item.ID,
				ProviderFileID: f.ID,
				FilePath:       path,
				Message:        "folder created: " + f.Name,
			})
		}

		if err != nil {
			return err
		}

		updated = item.Name != f.Name ||
			item.Path != path ||
			item.MimeType != f.MimeType ||
			!item.ProviderModifiedAt.Equal(f.ModifiedAt) ||
			item.State != catalog.StateActive

		item.Name = f.Name
		item.Path = path
		item.MimeType = f.MimeType
		item.ProviderModifiedAt = f.ModifiedAt
		item.LastSeenAt = r.syncStart

		if item.State != catalog.StateActive {
			item.State = catalog.StateActive
			item.StateChangedAt = r.nowFunc()
			item.MissingSinceSyncCount = 0
		}

		return tx.UpdateItem(ctx, item)
	})
	if err != nil {
		return err
	}

	if err := r.store.MkdirCurrent(path); err != nil {
		return err
	}

	if created {
		r.result.FilesAdded++
	} else if updated {
		r.result.FilesUpdated++
	}

	return nil
}

// processFile handles an addition or update: download outside any
// transaction, then one transaction for the item, blob, version, and
// event rows, then materialization into current/.
func (r *run) processFile(ctx context.Context, f *provider.FileMetadata) error {
	path, err := r.pb.BuildPath(ctx, f)
	if err != nil {
		return err
	}

	item, err := r.cat.GetItemByProviderID(ctx, r.root.ID, f.ID)

	isNew := errors.Is(err, catalog.ErrNotFound)
	if err != nil && !isNew {
		return err
	}

	contentChanged := isNew ||
		item.Etag != f.Revision ||
		!item.ProviderModifiedAt.Equal(f.ModifiedAt)

	var (
		dgst       digest.Digest
		downloaded int64
	)

	if contentChanged && f.Downloadable {
		dgst, downloaded, err = r.downloadToBlob(ctx, f)
		if err != nil {
			if isNew {
				// Nothing recorded yet; the next sync retries the file.
				return fmt.Errorf("engine: downloading new file %s: %w", f.Name, err)
			}

			// Keep the previously captured content for updates.
			r.logger.Warn("download failed, keeping previous version",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			r.result.Errors = append(r.result.Errors, err)

			if evErr := r.cat.AppendEvent(ctx, &catalog.SyncEvent{
				SessionID:      r.session.ID,
				EventType:      catalog.EventError,
				BackupItemID:   item.ID,
				ProviderFileID: f.ID,
				FilePath:       path,
				Message:        err.Error(),
			}); evErr != nil {
				return evErr
			}

			dgst = ""
		}
	}

	// Replaying a change that was already captured must not duplicate the
	// version history.
	if dgst != "" && !isNew {
		latest, lerr := r.cat.LatestUpdateVersion(ctx, item.ID)
		if lerr == nil && latest.Digest == dgst.String() {
			dgst = ""
		} else if lerr != nil && !errors.Is(lerr, catalog.ErrNotFound) {
			return lerr
		}
	}

	err = r.cat.InTx(ctx, func(tx *catalog.Catalog) error {
		if isNew {
			item = &catalog.BackupItem{
				SyncRootID:         r.root.ID,
				ProviderItemID:     f.ID,
				Name:               f.Name,
				Path:               path,
				ItemType:           catalog.ItemTypeFile,
				MimeType:           f.MimeType,
				SizeBytes:          f.SizeBytes,
				ProviderModifiedAt: f.ModifiedAt,
				Etag:               f.Revision,
				LastSeenAt:         r.syncStart,
			}
			if err := tx.CreateItem(ctx, item); err != nil {
				return err
			}

			if err := tx.AppendEvent(ctx, &catalog.SyncEvent{
				SessionID:      r.session.ID,
				EventType:      catalog.EventFileAdded,
				BackupItemID:   item.ID,
				ProviderFileID: f.ID,
				FilePath:       path,
				Message:        "file added: " + f.Name,
			}); err != nil {
				return err
			}
		} else {
			item.Name = f.Name
			item.Path = path
			item.MimeType = f.MimeType
			item.SizeBytes = f.SizeBytes
			item.ProviderModifiedAt = f.ModifiedAt
			item.Etag = f.Revision
			item.LastSeenAt = r.syncStart

			if item.State != catalog.StateActive {
				r.logger.Info("file reappeared",
					slog.String("path", path),
					slog.String("previous_state", string(item.State)),
				)

				item.State = catalog.StateActive
				item.StateChangedAt = r.nowFunc()
				item.MissingSinceSyncCount = 0
			}

			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}

			if contentChanged {
				if err := tx.AppendEvent(ctx, &catalog.SyncEvent{
					SessionID:      r.session.ID,
					EventType:      catalog.EventFileUpdated,
					BackupItemID:   item.ID,
					ProviderFileID: f.ID,
					FilePath:       path,
					Message:        "file updated: " + f.Name,
				}); err != nil {
					return err
				}
			}
		}

		if dgst == "" {
			return nil
		}

		if err := tx.UpsertBlob(ctx, dgst.String(), r.account.ID, downloaded); err != nil {
			return err
		}

		return tx.CreateVersion(ctx, &catalog.FileVersion{
			AccountID:         r.account.ID,
			BackupItemID:      item.ID,
			Digest:            dgst.String(),
			ObservedPath:      path,
			EtagOrRevision:    f.Revision,
			ContentModifiedAt: f.ModifiedAt,
			Reason:            catalog.ReasonUpdate,
		})
	})
	if err != nil {
		return err
	}

	if dgst != "" {
		if _, err := r.store.MaterializeToCurrent(dgst, path, r.hardlink); err != nil {
			return err
		}
	}

	if isNew {
		r.result.FilesAdded++
		r.result.BytesDownloaded += downloaded
	} else if contentChanged {
		r.result.FilesUpdated++
		r.result.BytesDownloaded += downloaded
	}

	return nil
}

// downloadToBlob streams the file's content into the blob store, hashing
// as it writes.
func (r *run) downloadToBlob(ctx context.Context, f *provider.FileMetadata) (digest.Digest, int64, error) {
	body, err := r.client.Download(ctx, f)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	dgst, size, err := r.store.WriteBlob(body, "")
	if err != nil {
		return "", 0, fmt.Errorf("engine: storing blob for %s: %w", f.ID, err)
	}

	return dgst, size, nil
}

// processDeleted handles an explicit upstream deletion: capture a
// PRE_DELETE version of the last known content, archive the current copy,
// and mark the item DELETED_UPSTREAM.
func (r *run) processDeleted(ctx context.Context, ch *provider.Change) error {
	item, err := r.cat.GetItemByProviderID(ctx, r.root.ID, ch.FileID)
	if errors.Is(err, catalog.ErrNotFound) {
		// A file that was never tracked.
		return nil
	}

	if err != nil {
		return err
	}

	err = r.cat.InTx(ctx, func(tx *catalog.Catalog) error {
		if err := r.capturePreDeleteVersion(ctx, tx, item); err != nil {
			return err
		}

		if err := tx.SetItemState(ctx, item.ID, catalog.StateDeletedUpstream, 0); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, &catalog.SyncEvent{
			SessionID:      r.session.ID,
			EventType:      catalog.EventFileDeleted,
			BackupItemID:   item.ID,
			ProviderFileID: ch.FileID,
			FilePath:       item.Path,
			Message:        "file deleted upstream",
		})
	})
	if err != nil {
		return err
	}

	r.archiveItem(item)
	r.result.FilesDeleted++
	r.logger.Info("file deleted upstream", slog.String("path", item.Path))

	return nil
}

// capturePreDeleteVersion pins the item's last captured content with a
// PRE_DELETE version so GC retention can protect it. Items without any
// version (folders, never-downloaded files) get none.
func (r *run) capturePreDeleteVersion(ctx context.Context, tx *catalog.Catalog, item *catalog.BackupItem) error {
	if item.ItemType != catalog.ItemTypeFile {
		return nil
	}

	latest, err := tx.LatestVersion(ctx, item.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	return tx.CreateVersion(ctx, &catalog.FileVersion{
		AccountID:         r.account.ID,
		BackupItemID:      item.ID,
		Digest:            latest.Digest,
		ObservedPath:      item.Path,
		EtagOrRevision:    item.Etag,
		ContentModifiedAt: item.ProviderModifiedAt,
		Reason:            catalog.ReasonPreDelete,
	})
}

// archiveItem moves a file's current/ copy under archive/, best effort.
func (r *run) archiveItem(item *catalog.BackupItem) {
	if item.ItemType != catalog.ItemTypeFile {
		return
	}

	if _, err := r.store.MoveToArchive(item.Path); err != nil {
		r.logger.Warn("archiving failed",
			slog.String("path", item.Path),
			slog.String("error", err.Error()),
		)
	}
}

// sweepUnseen implements the two-strike rule: an ACTIVE or
// MISSING_UPSTREAM item unseen by this sync gets its missing counter
// incremented; at two strikes it is quarantined with a PRE_DELETE version
// and its current/ copy archived. One absence alone never archives a file
// because the change feed can transiently omit items.
func (r *run) sweepUnseen(ctx context.Context) (int, error) {
	items, err := r.cat.ListItemsUnseenSince(ctx, r.root.ID, r.syncStart)
	if err != nil {
		return 0, err
	}

	var quarantined int

	for _, item := range items {
		item.MissingSinceSyncCount++

		if item.MissingSinceSyncCount >= 2 {
			err := r.cat.InTx(ctx, func(tx *catalog.Catalog) error {
				if err := r.capturePreDeleteVersion(ctx, tx, item); err != nil {
					return err
				}

				if err := tx.SetItemState(ctx, item.ID, catalog.StateQuarantined, item.MissingSinceSyncCount); err != nil {
					return err
				}

				return tx.AppendEvent(ctx, &catalog.SyncEvent{
					SessionID:    r.session.ID,
					EventType:    catalog.EventFileQuarantined,
					BackupItemID: item.ID,
					FilePath:     item.Path,
					Message:      fmt.Sprintf("missing for %d consecutive syncs", item.MissingSinceSyncCount),
				})
			})
			if err != nil {
				return quarantined, err
			}

			r.archiveItem(item)
			quarantined++

			r.logger.Info("quarantined file",
				slog.String("path", item.Path),
				slog.Int("missing_count", item.MissingSinceSyncCount),
			)

			continue
		}

		if item.State == catalog.StateActive {
			if err := r.cat.SetItemState(ctx, item.ID, catalog.StateMissingUpstream, item.MissingSinceSyncCount); err != nil {
				return quarantined, err
			}
		} else if err := r.cat.UpdateItem(ctx, item); err != nil {
			return quarantined, err
		}

		r.logger.Debug("file missing upstream",
			slog.String("path", item.Path),
			slog.Int("missing_count", item.MissingSinceSyncCount),
		)
	}

	return quarantined, nil
}
