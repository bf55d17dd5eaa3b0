// Package provider defines the cloud storage interface the sync engine
// consumes. Concrete implementations (Google Drive today) live in
// subpackages; the engine never sees provider-specific wire types.
package provider

import (
	"context"
	"io"
	"time"
)

// FileMetadata describes one remote file or folder, normalized for backup.
// Name already carries the export extension for formats that must be
// converted on download, so path building needs no provider knowledge.
type FileMetadata struct {
	ID           string
	Name         string
	MimeType     string
	SizeBytes    int64 // 0 for exported formats, size unknown until download
	ModifiedAt   time.Time
	Revision     string
	ParentID     string // "" when directly under the sync root
	IsFolder     bool
	Downloadable bool
	Trashed      bool
}

// Change is one entry from a provider's change feed. File is nil when the
// provider reports the item as removed without metadata.
type Change struct {
	FileID    string
	Removed   bool
	File      *FileMetadata
	ChangedAt time.Time
}

// ChangesPage is one page of the change feed. Exactly one of NextPageToken
// (more pages follow) and NewStartPageToken (feed consumed, resume here next
// time) is non-empty.
type ChangesPage struct {
	Changes           []Change
	NextPageToken     string
	NewStartPageToken string
}

// Client is the surface the sync engine drives. Implementations handle
// authentication, retry, and pagination internally.
type Client interface {
	// RefreshTokensIfNeeded ensures a usable access token exists before a
	// sync run starts, refreshing and persisting it when close to expiry.
	RefreshTokensIfNeeded(ctx context.Context) error

	// GetStartPageToken returns the cursor marking "now" in the change
	// feed. Initial sync records it before enumerating so no change made
	// during enumeration is lost.
	GetStartPageToken(ctx context.Context) (string, error)

	// ListChanges fetches one page of the change feed from pageToken.
	ListChanges(ctx context.Context, pageToken string) (*ChangesPage, error)

	// GetFileMetadata fetches current metadata for a single file.
	// ErrNotFound when the file no longer exists.
	GetFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error)

	// Download opens the file's content stream, exporting formats that
	// have no native binary representation. The caller closes the stream.
	Download(ctx context.Context, f *FileMetadata) (io.ReadCloser, error)
}

// WalkChanges consumes the change feed from startToken page by page,
// invoking fn per page, and returns the final NewStartPageToken. fn
// returning an error aborts the walk.
func WalkChanges(ctx context.Context, c Client, startToken string, fn func(page *ChangesPage) error) (string, error) {
	token := startToken

	for {
		page, err := c.ListChanges(ctx, token)
		if err != nil {
			return "", err
		}

		if err := fn(page); err != nil {
			return "", err
		}

		if page.NextPageToken != "" {
			token = page.NextPageToken
			continue
		}

		return page.NewStartPageToken, nil
	}
}
