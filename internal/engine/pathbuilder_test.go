package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/provider"
)

func testBuilder(t *testing.T) (*PathBuilder, *catalog.Catalog, *catalog.SyncRoot) {
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

	pb, err := NewPathBuilder(context.Background(), cat, root, logger)
	require.NoError(t, err)

	return pb, cat, root
}

func addItem(t *testing.T, cat *catalog.Catalog, rootID int64, providerID, path string) *catalog.BackupItem {
	t.Helper()

	it := &catalog.BackupItem{
		SyncRootID:     rootID,
		ProviderItemID: providerID,
		Name:           path,
		Path:           path,
		ItemType:       catalog.ItemTypeFile,
	}
	require.NoError(t, cat.CreateItem(context.Background(), it))

	return it
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean name passes through", "report.pdf", "report.pdf"},
		{"forbidden characters", `a<b>c:d"e|f?g*h`, "a_b_c_d_e_f_g_h"},
		{"nul byte", "a\x00b", "a_b"},
		{"leading and trailing dots and spaces", "  .hidden. ", "hidden"},
		{"only dots", "...", "unnamed"},
		{"empty", "", "unnamed"},
		{"whitespace only", "   ", "unnamed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeName(tt.in))
		})
	}
}

func TestSanitizeNameTruncation(t *testing.T) {
	// Long name with a short extension keeps the extension.
	long := strings.Repeat("a", 300) + ".txt"
	got := sanitizeName(long)
	assert.Len(t, got, 255)
	assert.True(t, strings.HasSuffix(got, ".txt"))

	// Extension longer than 10 bytes is not worth preserving.
	longExt := strings.Repeat("a", 300) + "." + strings.Repeat("b", 20)
	got = sanitizeName(longExt)
	assert.Len(t, got, 255)
	assert.False(t, strings.HasSuffix(got, strings.Repeat("b", 20)))

	// No extension at all.
	assert.Len(t, sanitizeName(strings.Repeat("x", 400)), 255)

	// Truncation never splits a multi-byte rune.
	multibyte := strings.Repeat("ü", 200)
	got = sanitizeName(multibyte)
	assert.LessOrEqual(t, len(got), 255)
	assert.True(t, strings.HasSuffix(got, "ü"))
}

func TestBuildPathRootLevel(t *testing.T) {
	pb, _, _ := testBuilder(t)
	ctx := context.Background()

	path, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", path)

	// Parent equal to the provider root ID is also root level.
	path, err = pb.BuildPath(ctx, &provider.FileMetadata{ID: "f2", Name: "notes.txt", ParentID: "root"})
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", path)
}

func TestBuildPathNested(t *testing.T) {
	pb, cat, root := testBuilder(t)
	ctx := context.Background()

	parent := &catalog.BackupItem{
		SyncRootID:     root.ID,
		ProviderItemID: "dir1",
		Name:           "Documents",
		Path:           "Documents",
		ItemType:       catalog.ItemTypeFolder,
	}
	require.NoError(t, cat.CreateItem(ctx, parent))

	// Parent resolves from the catalog even when not cached.
	require.NoError(t, pb.RefreshCache(ctx))

	path, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "notes.txt", ParentID: "dir1"})
	require.NoError(t, err)
	assert.Equal(t, "Documents/notes.txt", path)
}

func TestBuildPathUnknownParentIsPending(t *testing.T) {
	pb, _, _ := testBuilder(t)

	path, err := pb.BuildPath(context.Background(), &provider.FileMetadata{
		ID: "f1", Name: "orphan.txt", ParentID: "missing-dir",
	})
	require.NoError(t, err)
	assert.Equal(t, "_pending_/missing-dir/orphan.txt", path)
}

func TestBuildPathCached(t *testing.T) {
	pb, _, _ := testBuilder(t)
	ctx := context.Background()

	first, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "a.txt"})
	require.NoError(t, err)

	// A renamed file keeps its cached path until the cache refreshes.
	second, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "renamed.txt"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveConflicts(t *testing.T) {
	pb, cat, root := testBuilder(t)
	ctx := context.Background()

	addItem(t, cat, root.ID, "other1", "report.pdf")

	path, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "report (1).pdf", path)

	addItem(t, cat, root.ID, "other2", "report (1).pdf")
	addItem(t, cat, root.ID, "other3", "report (2).pdf")

	path, err = pb.BuildPath(ctx, &provider.FileMetadata{ID: "f2", Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "report (3).pdf", path)

	// Extensionless names get the suffix appended.
	addItem(t, cat, root.ID, "other4", "README")

	path, err = pb.BuildPath(ctx, &provider.FileMetadata{ID: "f3", Name: "README"})
	require.NoError(t, err)
	assert.Equal(t, "README (1)", path)
}

func TestResolveConflictsSameFileIsNotAConflict(t *testing.T) {
	pb, cat, root := testBuilder(t)
	ctx := context.Background()

	addItem(t, cat, root.ID, "f1", "report.pdf")
	require.NoError(t, pb.RefreshCache(ctx))

	path, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f1", Name: "report.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", path)
}

func TestResolveConflictsFallsBackToFileID(t *testing.T) {
	pb, cat, root := testBuilder(t)
	ctx := context.Background()

	addItem(t, cat, root.ID, "o0", "a.txt")
	for i := 1; i <= maxConflictAttempts; i++ {
		addItem(t, cat, root.ID, fmt.Sprintf("o%d", i), fmt.Sprintf("a (%d).txt", i))
	}

	path, err := pb.BuildPath(ctx, &provider.FileMetadata{ID: "f-new", Name: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "a.txt_f-new", path)
}

func TestConflictSuffixed(t *testing.T) {
	assert.Equal(t, "a (1).txt", conflictSuffixed("a.txt", 1))
	assert.Equal(t, "dir/a (2).txt", conflictSuffixed("dir/a.txt", 2))
	assert.Equal(t, "README (1)", conflictSuffixed("README", 1))
	// A dot in a directory segment is not an extension.
	assert.Equal(t, "v1.2/notes (1)", conflictSuffixed("v1.2/notes", 1))
	// A dotfile's leading dot is part of the name.
	assert.Equal(t, ".hidden (1)", conflictSuffixed(".hidden", 1))
	assert.Equal(t, "a/.hidden (2)", conflictSuffixed("a/.hidden", 2))
	assert.Equal(t, "a/.config (1).toml", conflictSuffixed("a/.config.toml", 1))
}
