package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/internal/blobstore"
	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/provider"
)

// fakeClient serves a scripted change feed from memory.
type fakeClient struct {
	startToken string
	pages      map[string]*provider.ChangesPage
	content    map[string][]byte
	refreshErr error
	downloads  int
}

func (c *fakeClient) RefreshTokensIfNeeded(context.Context) error { return c.refreshErr }

func (c *fakeClient) GetStartPageToken(context.Context) (string, error) {
	return c.startToken, nil
}

func (c *fakeClient) ListChanges(_ context.Context, token string) (*provider.ChangesPage, error) {
	if page, ok := c.pages[token]; ok {
		return page, nil
	}

	// Empty feed: nothing changed since token.
	return &provider.ChangesPage{NewStartPageToken: token}, nil
}

func (c *fakeClient) GetFileMetadata(_ context.Context, fileID string) (*provider.FileMetadata, error) {
	return nil, provider.ErrNotFound
}

func (c *fakeClient) Download(_ context.Context, f *provider.FileMetadata) (io.ReadCloser, error) {
	data, ok := c.content[f.ID]
	if !ok {
		return nil, provider.ErrNotFound
	}

	c.downloads++

	return io.NopCloser(bytes.NewReader(data)), nil
}

type harness struct {
	cat    *catalog.Catalog
	store  *blobstore.Store
	client *fakeClient
	engine *Engine

	account *catalog.Account
	root    *catalog.SyncRoot

	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat, err := catalog.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	account := &catalog.Account{
		Provider: catalog.ProviderGoogleDrive,
		Email:    "alice@example.com",
		IsActive: true,
	}
	require.NoError(t, cat.CreateAccount(context.Background(), account))

	root := &catalog.SyncRoot{
		AccountID:      account.ID,
		ProviderRootID: "root",
		Name:           "My Drive",
		IsEnabled:      true,
	}
	require.NoError(t, cat.CreateSyncRoot(context.Background(), root))

	store := blobstore.Open(t.TempDir(), "google_drive", account.ID, logger)

	client := &fakeClient{
		startToken: "100",
		pages:      map[string]*provider.ChangesPage{},
		content:    map[string][]byte{},
	}

	h := &harness{
		cat:     cat,
		store:   store,
		client:  client,
		account: account,
		root:    root,
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	h.engine = New(cat, store, client, false, logger)
	h.engine.SetNowFunc(func() time.Time { return h.now })
	cat.SetNowFunc(func() time.Time { return h.now })

	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func file(id, name, parent string, size int64, revision string, modified time.Time) *provider.FileMetadata {
	return &provider.FileMetadata{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		SizeBytes:    size,
		ModifiedAt:   modified,
		Revision:     revision,
		ParentID:     parent,
		Downloadable: true,
	}
}

func folder(id, name, parent string) *provider.FileMetadata {
	return &provider.FileMetadata{
		ID:       id,
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		ParentID: parent,
		IsFolder: true,
	}
}

func TestInitialSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)

	h.client.content["f1"] = []byte("hello world\n")
	h.client.content["f2"] = []byte("nested file")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes: []provider.Change{
			{FileID: "dir1", File: folder("dir1", "Documents", "root")},
			{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)},
			{FileID: "f2", File: file("f2", "notes.txt", "dir1", 11, "v1", modified)},
			{FileID: "gone", Removed: true}, // deletions are noise during initial sync
		},
		NewStartPageToken: "100",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesAdded)
	assert.Zero(t, result.FilesDeleted)
	assert.Equal(t, int64(23), result.BytesDownloaded)
	assert.Empty(t, result.Errors)

	// Files land in current/ at their hierarchical paths.
	data, err := os.ReadFile(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))

	_, err = os.Stat(filepath.Join(h.store.CurrentDir(), "Documents", "notes.txt"))
	require.NoError(t, err)

	// Cursor advanced to the pre-enumeration start token.
	root, err := h.cat.GetSyncRoot(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", root.SyncCursor)
	assert.False(t, root.LastSyncAt.IsZero())

	// One UPDATE version per file.
	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateActive, item.State)

	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, catalog.ReasonUpdate, versions[0].Reason)

	session, err := h.cat.LatestSession(ctx, h.root.ID)
	require.NoError(t, err)
	assert.True(t, session.IsInitial)
	assert.Equal(t, catalog.SessionCompleted, session.Status)
	assert.Equal(t, "100", session.EndCursor)
}

func TestIncrementalUpdateCreatesNewVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// The file changes upstream.
	h.advance(time.Hour)
	newModified := h.now.Add(-time.Minute)
	h.client.content["f1"] = []byte("hello world!!!")
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 14, "v2", newModified)}},
		NewStartPageToken: "200",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesUpdated)
	assert.Zero(t, result.FilesAdded)

	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, "v2", item.Etag)

	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	data, err := os.ReadFile(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world!!!", string(data))

	root, err := h.cat.GetSyncRoot(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "200", root.SyncCursor)
}

func TestIncrementalReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// The provider replays the same change with identical content. The
	// etag differs (revision bump without content change), forcing a
	// download, but the identical digest must not add a version.
	h.advance(time.Hour)
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1b", modified.Add(time.Second))}},
		NewStartPageToken: "200",
	}

	_, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)

	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1, "identical content must not duplicate versions")
}

func TestExplicitDeletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	h.advance(time.Hour)
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", Removed: true}},
		NewStartPageToken: "200",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesDeleted)

	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateDeletedUpstream, item.State)
	assert.Zero(t, item.MissingSinceSyncCount)

	// PRE_DELETE version pins the last content.
	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, catalog.ReasonPreDelete, versions[0].Reason)
	assert.Equal(t, versions[1].Digest, versions[0].Digest)

	// current/ copy moved to archive/.
	_, err = os.Stat(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(h.store.ArchiveDir(), "hello.txt"))
	assert.NoError(t, err)
}

func TestTwoStrikeQuarantine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// First empty sync: one strike, no filesystem change.
	h.advance(time.Hour)
	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Zero(t, result.FilesQuarantined)

	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateMissingUpstream, item.State)
	assert.Equal(t, 1, item.MissingSinceSyncCount)

	_, err = os.Stat(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	assert.NoError(t, err, "one absence never archives a file")

	// Second empty sync: quarantine.
	h.advance(time.Hour)
	result, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesQuarantined)

	item, err = h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateQuarantined, item.State)
	assert.Equal(t, 2, item.MissingSinceSyncCount)

	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, catalog.ReasonPreDelete, versions[0].Reason)

	_, err = os.Stat(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(h.store.ArchiveDir(), "hello.txt"))
	assert.NoError(t, err)
}

func TestReappearanceResetsDeletionTracking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// One strike.
	h.advance(time.Hour)
	_, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// The file reappears in the feed before the second strike.
	h.advance(time.Hour)
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "300",
	}

	_, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StateActive, item.State)
	assert.Zero(t, item.MissingSinceSyncCount)
}

func TestDownloadFailureOnNewFileIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["good"] = []byte("fine")
	// "bad" has no content: downloads fail.
	h.client.pages["1"] = &provider.ChangesPage{
		Changes: []provider.Change{
			{FileID: "bad", File: file("bad", "broken.txt", "root", 5, "v1", modified)},
			{FileID: "good", File: file("good", "fine.txt", "root", 4, "v1", modified)},
		},
		NewStartPageToken: "100",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err, "per-file failures do not fail the run")
	assert.Equal(t, 1, result.FilesAdded)
	require.Len(t, result.Errors, 1)

	// The failed file was never recorded; the next sync retries it.
	_, err = h.cat.GetItemByProviderID(ctx, h.root.ID, "bad")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	// The failure is in the audit trail.
	session, err := h.cat.LatestSession(ctx, h.root.ID)
	require.NoError(t, err)

	events, err := h.cat.ListEvents(ctx, session.ID)
	require.NoError(t, err)

	var errorEvents int
	for _, e := range events {
		if e.EventType == catalog.EventError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
}

func TestDownloadFailureOnUpdateKeepsPreviousVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// The file changes upstream but its content can no longer be fetched.
	h.advance(time.Hour)
	delete(h.client.content, "f1")
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 14, "v2", h.now.Add(-time.Minute))}},
		NewStartPageToken: "200",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err, "per-file failures do not fail the run")
	require.Len(t, result.Errors, 1)

	// The previously captured content survives.
	item, err := h.cat.GetItemByProviderID(ctx, h.root.ID, "f1")
	require.NoError(t, err)

	versions, err := h.cat.ListVersions(ctx, item.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	data, err := os.ReadFile(filepath.Join(h.store.CurrentDir(), "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))

	// The failure is in the audit trail.
	session, err := h.cat.LatestSession(ctx, h.root.ID)
	require.NoError(t, err)

	events, err := h.cat.ListEvents(ctx, session.ID)
	require.NoError(t, err)

	var errorEvents int
	for _, e := range events {
		if e.EventType == catalog.EventError {
			errorEvents++
			assert.Equal(t, "f1", e.ProviderFileID)
		}
	}
	assert.Equal(t, 1, errorEvents)
}

func TestUnchangedFolderReplayNotCountedAsUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "d1", File: folder("d1", "docs", "root")}},
		NewStartPageToken: "100",
	}

	result, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesAdded)

	// The provider replays the folder with identical metadata.
	h.advance(time.Hour)
	h.client.pages["100"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "d1", File: folder("d1", "docs", "root")}},
		NewStartPageToken: "200",
	}

	result, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Zero(t, result.FilesAdded)
	assert.Zero(t, result.FilesUpdated, "re-observing an unchanged folder is not an update")

	// A real change still counts.
	h.advance(time.Hour)
	h.client.pages["200"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "d1", File: folder("d1", "documents", "root")}},
		NewStartPageToken: "300",
	}

	result, err = h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesUpdated)
}

func TestRunPreconditions(t *testing.T) {
	t.Run("token refresh failure", func(t *testing.T) {
		h := newHarness(t)
		h.client.refreshErr = fmt.Errorf("refresh token revoked")

		_, err := h.engine.Run(context.Background(), h.root.ID)
		assert.ErrorIs(t, err, ErrTokenRefresh)
	})

	t.Run("disabled account", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.cat.SetAccountActive(context.Background(), h.account.ID, false))

		_, err := h.engine.Run(context.Background(), h.root.ID)
		assert.ErrorIs(t, err, ErrSyncAborted)
	})

	t.Run("unknown root", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.engine.Run(context.Background(), 9999)
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})
}

func TestRunRootBusy(t *testing.T) {
	h := newHarness(t)

	require.True(t, h.engine.locks.tryLock(h.root.ID))
	defer h.engine.locks.unlock(h.root.ID)

	_, err := h.engine.Run(context.Background(), h.root.ID)
	assert.ErrorIs(t, err, ErrRootBusy)
}

func TestFailedSyncKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	modified := h.now.Add(-time.Hour)
	h.client.content["f1"] = []byte("hello world\n")
	h.client.pages["1"] = &provider.ChangesPage{
		Changes:           []provider.Change{{FileID: "f1", File: file("f1", "hello.txt", "root", 12, "v1", modified)}},
		NewStartPageToken: "100",
	}

	_, err := h.engine.Run(ctx, h.root.ID)
	require.NoError(t, err)

	// Next run fails before completing: token refresh breaks.
	h.advance(time.Hour)
	h.client.refreshErr = fmt.Errorf("network down")

	_, err = h.engine.Run(ctx, h.root.ID)
	require.Error(t, err)

	root, err := h.cat.GetSyncRoot(ctx, h.root.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", root.SyncCursor, "failed run must not advance the cursor")
}
