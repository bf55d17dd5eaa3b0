package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/driveback/driveback/internal/catalog"
	"github.com/driveback/driveback/internal/provider"
)

// invalidChars are replaced with underscores in backup filenames.
const invalidChars = "<>:\"|?*\x00"

const (
	maxNameBytes        = 255
	maxExtensionBytes   = 10
	maxConflictAttempts = 1000
	pendingParentPrefix = "_pending_/"
)

// PathBuilder converts provider file hierarchy into relative backup paths:
// parent resolution, name sanitization, and conflict suffixing. The cache
// maps providerItemID to path; the catalog stays the ground truth.
type PathBuilder struct {
	cat    *catalog.Catalog
	root   *catalog.SyncRoot
	cache  map[string]string
	logger *slog.Logger
}

// NewPathBuilder constructs a builder with the root's known paths
// bulk-loaded into the cache.
func NewPathBuilder(ctx context.Context, cat *catalog.Catalog, root *catalog.SyncRoot, logger *slog.Logger) (*PathBuilder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &PathBuilder{cat: cat, root: root, logger: logger}
	if err := b.loadCache(ctx); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *PathBuilder) loadCache(ctx context.Context) error {
	paths, err := b.cat.ListItemPaths(ctx, b.root.ID)
	if err != nil {
		return fmt.Errorf("engine: loading path cache: %w", err)
	}

	b.cache = paths
	b.logger.Debug("loaded path cache", slog.Int("entries", len(paths)))

	return nil
}

// RefreshCache rebuilds the cache from the catalog.
func (b *PathBuilder) RefreshCache(ctx context.Context) error {
	b.cache = nil
	return b.loadCache(ctx)
}

// BuildPath returns the relative backup path for a remote file, resolving
// and caching it. A child seen before its parent gets a path under
// _pending_/<parentID>; later syncs relocate it once the parent is known.
func (b *PathBuilder) BuildPath(ctx context.Context, f *provider.FileMetadata) (string, error) {
	if cached, ok := b.cache[f.ID]; ok {
		return cached, nil
	}

	name := sanitizeName(f.Name)

	var path string

	switch {
	case f.ParentID == "" || f.ParentID == "root" || f.ParentID == b.root.ProviderRootID:
		path = name
	default:
		parentPath, err := b.parentPath(ctx, f)
		if err != nil {
			return "", err
		}

		path = parentPath + "/" + name
	}

	path, err := b.resolveConflicts(ctx, path, f.ID)
	if err != nil {
		return "", err
	}

	b.cache[f.ID] = path

	return path, nil
}

func (b *PathBuilder) parentPath(ctx context.Context, f *provider.FileMetadata) (string, error) {
	if p, ok := b.cache[f.ParentID]; ok {
		return p, nil
	}

	parent, err := b.cat.GetItemByProviderID(ctx, b.root.ID, f.ParentID)
	if err == nil {
		b.cache[f.ParentID] = parent.Path
		return parent.Path, nil
	}

	if !errors.Is(err, catalog.ErrNotFound) {
		return "", fmt.Errorf("engine: resolving parent %s: %w", f.ParentID, err)
	}

	b.logger.Warn("parent not yet synced, using pending path",
		slog.String("file", f.Name),
		slog.String("parent_id", f.ParentID),
	)

	return pendingParentPrefix + f.ParentID, nil
}

// resolveConflicts appends " (N)" before the extension until the path is
// unique within the sync root, falling back to the provider ID after 1000
// attempts.
func (b *PathBuilder) resolveConflicts(ctx context.Context, path, fileID string) (string, error) {
	original := path

	for counter := 1; ; counter++ {
		_, err := b.cat.FindItemByPath(ctx, b.root.ID, path, fileID)
		if errors.Is(err, catalog.ErrNotFound) {
			return path, nil
		}

		if err != nil {
			return "", fmt.Errorf("engine: checking path conflict: %w", err)
		}

		if counter > maxConflictAttempts {
			b.logger.Error("too many path conflicts", slog.String("path", original))
			return original + "_" + fileID, nil
		}

		path = conflictSuffixed(original, counter)
	}
}

// conflictSuffixed inserts " (N)" before the final extension, or appends
// it when the last path segment has none. A leading dot is part of the
// name, not an extension, so dotfiles take the append form.
func conflictSuffixed(path string, n int) string {
	slash := strings.LastIndex(path, "/")

	dot := strings.LastIndex(path, ".")
	if dot > slash+1 {
		return fmt.Sprintf("%s (%d).%s", path[:dot], n, path[dot+1:])
	}

	return fmt.Sprintf("%s (%d)", path, n)
}

// sanitizeName makes a remote filename safe for the backup filesystem.
// Names are NFC-normalized so the same file observed from macOS and the
// API compares equal.
func sanitizeName(name string) string {
	name = norm.NFC.String(name)

	var sb strings.Builder
	sb.Grow(len(name))

	for _, r := range name {
		if strings.ContainsRune(invalidChars, r) {
			sb.WriteByte('_')
			continue
		}

		sb.WriteRune(r)
	}

	name = strings.Trim(sb.String(), ". ")

	if name == "" {
		return "unnamed"
	}

	if len(name) > maxNameBytes {
		name = truncateName(name)
	}

	return name
}

// truncateName limits a name to 255 bytes, keeping a short extension when
// one exists.
func truncateName(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot > 0 {
		ext := name[dot+1:]
		if len(ext) <= maxExtensionBytes {
			maxBase := maxNameBytes - len(ext) - 1
			return trimToBytes(name[:dot], maxBase) + "." + ext
		}
	}

	return trimToBytes(name, maxNameBytes)
}

// trimToBytes cuts a string to at most n bytes without splitting a rune.
func trimToBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}

	for n > 0 && !isRuneStart(s[n]) {
		n--
	}

	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
