// Package blobstore implements a per-account content-addressed object store.
//
// Layout under the account root:
//
//	current/<relpath>                 browsable materialized tree
//	blobs/sha256/<aa>/<bb>/<64-hex>   immutable blobs, mode 0444
//	tmp/<uuid>.tmp                    in-progress writes
//	archive/<relpath>                 files moved aside on deletion
//
// Blob writes are atomic: content streams into a unique temp file while a
// running SHA-256 is computed, then a rename moves it to its canonical
// sharded path. Concurrent writers of the same digest are safe — one rename
// wins, the loser discards its temp file.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrBlobNotFound   = errors.New("blobstore: blob not found")
	ErrDigestMismatch = errors.New("blobstore: digest mismatch")
	ErrInvalidPath    = errors.New("blobstore: invalid relative path")
)

// File and directory modes for the store subtrees.
const (
	dirPerms      = 0o755
	blobPerms     = 0o444 // blobs are immutable once written
	unlockedPerms = 0o644 // applied before unlinking a blob
)

const copyBufSize = 64 * 1024

// Store is the content-addressed store for a single account.
type Store struct {
	root       string
	currentDir string
	blobsDir   string
	tmpDir     string
	archiveDir string
	logger     *slog.Logger
}

// Open returns a Store rooted at <backupRoot>/<provider>/<accountID>.
// Directories are created lazily on first write.
func Open(backupRoot, providerName string, accountID int64, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	root := filepath.Join(backupRoot, providerName, strconv.FormatInt(accountID, 10))

	return &Store{
		root:       root,
		currentDir: filepath.Join(root, "current"),
		blobsDir:   filepath.Join(root, "blobs"),
		tmpDir:     filepath.Join(root, "tmp"),
		archiveDir: filepath.Join(root, "archive"),
		logger:     logger,
	}
}

// Root returns the account root directory.
func (s *Store) Root() string { return s.root }

// CurrentDir returns the absolute path of the current/ tree.
func (s *Store) CurrentDir() string { return s.currentDir }

// ArchiveDir returns the absolute path of the archive/ tree.
func (s *Store) ArchiveDir() string { return s.archiveDir }

// EnsureDirs creates the four subtrees if they do not exist.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.currentDir, s.blobsDir, s.tmpDir, s.archiveDir} {
		if err := os.MkdirAll(dir, dirPerms); err != nil {
			return fmt.Errorf("blobstore: creating %s: %w", dir, err)
		}
	}

	return nil
}

// BlobPath returns the canonical sharded path for a digest:
// blobs/<algorithm>/<aa>/<bb>/<full-hex>. The path is a pure function of
// the digest.
func (s *Store) BlobPath(dgst digest.Digest) (string, error) {
	if err := ValidateDigest(dgst); err != nil {
		return "", err
	}

	hex := dgst.Encoded()

	return filepath.Join(s.blobsDir, string(dgst.Algorithm()), hex[:2], hex[2:4], hex), nil
}

// HasBlob reports whether a blob exists on disk.
func (s *Store) HasBlob(dgst digest.Digest) bool {
	p, err := s.BlobPath(dgst)
	if err != nil {
		return false
	}

	_, statErr := os.Stat(p)

	return statErr == nil
}

// WriteBlob streams r into the store and returns the digest and size of the
// written content. If expected is non-empty, the computed digest must match
// or the write fails with ErrDigestMismatch and nothing is stored. A write
// whose digest already exists is a dedup hit: the temp file is discarded.
func (s *Store) WriteBlob(r io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	if err := s.EnsureDirs(); err != nil {
		return "", 0, err
	}

	tmpPath := filepath.Join(s.tmpDir, uuid.NewString()+".tmp")

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("blobstore: creating temp file: %w", err)
	}

	// Temp file is removed on every path except a successful rename.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	digester := digest.SHA256.Digester()

	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("blobstore: writing temp file: %w", err)
	}

	// Flush to stable storage before the rename makes the blob visible.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("blobstore: syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("blobstore: closing temp file: %w", err)
	}

	dgst := digester.Digest()

	if expected != "" && dgst != expected {
		return "", 0, fmt.Errorf("blobstore: expected %s, got %s: %w", expected, dgst, ErrDigestMismatch)
	}

	blobPath, err := s.BlobPath(dgst)
	if err != nil {
		return "", 0, err
	}

	if _, statErr := os.Stat(blobPath); statErr == nil {
		// Dedup hit. The deferred cleanup discards the temp file.
		s.logger.Debug("blob already stored", slog.String("digest", dgst.String()))

		return dgst, size, nil
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), dirPerms); err != nil {
		return "", 0, fmt.Errorf("blobstore: creating shard directory: %w", err)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		return "", 0, fmt.Errorf("blobstore: renaming blob into place: %w", err)
	}

	success = true

	if err := os.Chmod(blobPath, blobPerms); err != nil {
		s.logger.Warn("failed to set blob read-only",
			slog.String("digest", dgst.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("blob written",
		slog.String("digest", dgst.String()),
		slog.Int64("size", size),
	)

	return dgst, size, nil
}

// ReadBlob opens the blob for reading. When verify is true the returned
// reader recomputes the digest as bytes flow through it and fails with
// ErrDigestMismatch at EOF (or on Close) if the content does not match.
// Returns ErrBlobNotFound if the blob does not exist.
func (s *Store) ReadBlob(dgst digest.Digest, verify bool) (io.ReadCloser, error) {
	blobPath, err := s.BlobPath(dgst)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, dgst)
	}

	if err != nil {
		return nil, fmt.Errorf("blobstore: opening blob %s: %w", dgst, err)
	}

	if verify {
		return newVerifyingReader(f, dgst), nil
	}

	return f, nil
}

// ReadBlobBytes reads an entire blob into memory, verifying its digest.
func (s *Store) ReadBlobBytes(dgst digest.Digest) ([]byte, error) {
	r, err := s.ReadBlob(dgst, true)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// DeleteBlob unlinks a blob and best-effort removes emptied shard
// directories up to (but not including) blobs/. Reports whether a blob
// was actually removed.
func (s *Store) DeleteBlob(dgst digest.Digest) (bool, error) {
	blobPath, err := s.BlobPath(dgst)
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(blobPath); errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}

	// Clear the read-only bit so the unlink succeeds on filesystems that
	// honor file modes for deletion.
	_ = os.Chmod(blobPath, unlockedPerms)

	if err := os.Remove(blobPath); err != nil {
		return false, fmt.Errorf("blobstore: deleting blob %s: %w", dgst, err)
	}

	s.pruneEmptyDirs(filepath.Dir(blobPath), s.blobsDir)

	return true, nil
}

// MaterializeToCurrent places the blob's content at relPath inside current/,
// replacing any existing file. When hardlink is true a hardlink is attempted
// first, falling back to a copy (e.g. cross-filesystem). Returns the absolute
// target path.
func (s *Store) MaterializeToCurrent(dgst digest.Digest, relPath string, hardlink bool) (string, error) {
	blobPath, err := s.BlobPath(dgst)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(blobPath); errors.Is(statErr, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, dgst)
	}

	target, err := s.join(s.currentDir, relPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return "", fmt.Errorf("blobstore: creating parents for %s: %w", relPath, err)
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("blobstore: replacing %s: %w", relPath, err)
	}

	if hardlink {
		if err := os.Link(blobPath, target); err == nil {
			return target, nil
		}
		// Hardlink refused — fall through to a plain copy.
	}

	if err := copyFile(blobPath, target); err != nil {
		return "", fmt.Errorf("blobstore: materializing %s: %w", relPath, err)
	}

	return target, nil
}

// MkdirCurrent creates a directory (and parents) inside current/.
func (s *Store) MkdirCurrent(relPath string) error {
	target, err := s.join(s.currentDir, relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(target, dirPerms); err != nil {
		return fmt.Errorf("blobstore: creating folder %s: %w", relPath, err)
	}

	return nil
}

// RemoveFromCurrent unlinks a file from current/ and prunes emptied parent
// directories. Reports whether the file existed.
func (s *Store) RemoveFromCurrent(relPath string) (bool, error) {
	target, err := s.join(s.currentDir, relPath)
	if err != nil {
		return false, err
	}

	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("blobstore: removing %s from current: %w", relPath, err)
	}

	s.pruneEmptyDirs(filepath.Dir(target), s.currentDir)

	return true, nil
}

// MoveToArchive atomically renames a file from current/ to archive/,
// preserving its relative path. Reports whether the source existed.
func (s *Store) MoveToArchive(relPath string) (bool, error) {
	return s.moveBetween(relPath, s.currentDir, s.archiveDir)
}

// RestoreFromArchive atomically renames a file from archive/ back to
// current/. Reports whether the source existed.
func (s *Store) RestoreFromArchive(relPath string) (bool, error) {
	return s.moveBetween(relPath, s.archiveDir, s.currentDir)
}

// RemoveFromArchive unlinks a file from archive/. Used by GC quarantine
// expiry. Reports whether the file existed.
func (s *Store) RemoveFromArchive(relPath string) (bool, error) {
	target, err := s.join(s.archiveDir, relPath)
	if err != nil {
		return false, err
	}

	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("blobstore: removing %s from archive: %w", relPath, err)
	}

	s.pruneEmptyDirs(filepath.Dir(target), s.archiveDir)

	return true, nil
}

func (s *Store) moveBetween(relPath, fromDir, toDir string) (bool, error) {
	source, err := s.join(fromDir, relPath)
	if err != nil {
		return false, err
	}

	if _, statErr := os.Stat(source); errors.Is(statErr, os.ErrNotExist) {
		return false, nil
	}

	target, err := s.join(toDir, relPath)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerms); err != nil {
		return false, fmt.Errorf("blobstore: creating parents for %s: %w", relPath, err)
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("blobstore: replacing %s: %w", relPath, err)
	}

	if err := os.Rename(source, target); err != nil {
		return false, fmt.Errorf("blobstore: moving %s: %w", relPath, err)
	}

	s.pruneEmptyDirs(filepath.Dir(source), fromDir)

	return true, nil
}

// Stats summarizes on-disk usage for the account.
type Stats struct {
	BlobCount        int
	TotalSizeBytes   int64
	CurrentFileCount int
}

// CollectStats walks the blobs/ and current/ trees and returns counts.
func (s *Store) CollectStats() (*Stats, error) {
	stats := &Stats{}

	countFiles := func(root string, fn func(info os.FileInfo)) error {
		return filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}

			if err != nil {
				return err
			}

			if info.Mode().IsRegular() {
				fn(info)
			}

			return nil
		})
	}

	if err := countFiles(s.blobsDir, func(info os.FileInfo) {
		stats.BlobCount++
		stats.TotalSizeBytes += info.Size()
	}); err != nil {
		return nil, fmt.Errorf("blobstore: walking blobs: %w", err)
	}

	if err := countFiles(s.currentDir, func(os.FileInfo) {
		stats.CurrentFileCount++
	}); err != nil {
		return nil, fmt.Errorf("blobstore: walking current: %w", err)
	}

	return stats, nil
}

// join resolves relPath under base, rejecting absolute paths and any path
// that would escape the base directory.
func (s *Store) join(base, relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}

	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}

	return filepath.Join(base, cleaned), nil
}

// pruneEmptyDirs removes empty directories walking upward from dir,
// stopping at (and never removing) stopAt. Best effort.
func (s *Store) pruneEmptyDirs(dir, stopAt string) {
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		if err := os.Remove(dir); err != nil {
			return // not empty, or already gone
		}

		dir = filepath.Dir(dir)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
