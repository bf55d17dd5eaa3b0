package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/driveback/driveback/internal/provider"
)

const changePageSize = 1000

// changeFields is the partial-response selector for the Changes API.
const changeFields = "nextPageToken,newStartPageToken," +
	"changes(fileId,removed,changeType,time," +
	"file(id,name,mimeType,size,modifiedTime,md5Checksum,version,parents,trashed))"

// fileResource mirrors the Drive v3 file JSON. Size and version arrive as
// decimal strings.
type fileResource struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	Size         string   `json:"size"`
	ModifiedTime string   `json:"modifiedTime"`
	Md5Checksum  string   `json:"md5Checksum"`
	Version      string   `json:"version"`
	Parents      []string `json:"parents"`
	Trashed      bool     `json:"trashed"`
}

type changeResource struct {
	FileID     string        `json:"fileId"`
	Removed    bool          `json:"removed"`
	ChangeType string        `json:"changeType"`
	Time       string        `json:"time"`
	File       *fileResource `json:"file"`
}

type changesResponse struct {
	Changes           []changeResource `json:"changes"`
	NextPageToken     string           `json:"nextPageToken"`
	NewStartPageToken string           `json:"newStartPageToken"`
}

type startPageTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}

// toMetadata normalizes a Drive file resource, resolving the export name
// and downloadability up front.
func (f *fileResource) toMetadata(logger *slog.Logger) *provider.FileMetadata {
	var size int64
	if f.Size != "" {
		v, err := strconv.ParseInt(f.Size, 10, 64)
		if err != nil {
			logger.Warn("unparseable file size",
				slog.String("file_id", f.ID),
				slog.String("size", f.Size),
			)
		} else {
			size = v
		}
	}

	var modified time.Time
	if f.ModifiedTime != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedTime)
		if err != nil {
			logger.Warn("unparseable modifiedTime",
				slog.String("file_id", f.ID),
				slog.String("modified_time", f.ModifiedTime),
			)
		} else {
			modified = t.UTC()
		}
	}

	var parent string
	if len(f.Parents) > 0 {
		parent = f.Parents[0]
	}

	revision := f.Version
	if revision == "" {
		revision = f.Md5Checksum
	}

	return &provider.FileMetadata{
		ID:           f.ID,
		Name:         exportNameFor(f.Name, f.MimeType),
		MimeType:     f.MimeType,
		SizeBytes:    size,
		ModifiedAt:   modified,
		Revision:     revision,
		ParentID:     parent,
		IsFolder:     f.MimeType == folderMimeType,
		Downloadable: isDownloadable(f.MimeType),
		Trashed:      f.Trashed,
	}
}

// GetStartPageToken implements provider.Client. The returned token marks
// "now" in the change feed.
func (c *Client) GetStartPageToken(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, "/changes/startPageToken?supportsAllDrives=true")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sr startPageTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("gdrive: decoding start page token: %w", err)
	}

	if sr.StartPageToken == "" {
		return "", fmt.Errorf("gdrive: empty start page token")
	}

	return sr.StartPageToken, nil
}

// ListChanges implements provider.Client. A trashed file surfaces as a
// removal so the engine sees one deletion shape regardless of how the
// file disappeared.
func (c *Client) ListChanges(ctx context.Context, pageToken string) (*provider.ChangesPage, error) {
	q := url.Values{}
	q.Set("pageToken", pageToken)
	q.Set("pageSize", strconv.Itoa(changePageSize))
	q.Set("fields", changeFields)
	q.Set("includeItemsFromAllDrives", "true")
	q.Set("supportsAllDrives", "true")

	resp, err := c.do(ctx, "/changes?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("gdrive: decoding changes response: %w", err)
	}

	page := &provider.ChangesPage{
		Changes:           make([]provider.Change, 0, len(cr.Changes)),
		NextPageToken:     cr.NextPageToken,
		NewStartPageToken: cr.NewStartPageToken,
	}

	for i := range cr.Changes {
		raw := &cr.Changes[i]

		// Drive changes can also describe shared-drive membership; only
		// file changes matter here.
		if raw.ChangeType != "" && raw.ChangeType != "file" {
			continue
		}

		ch := provider.Change{
			FileID:  raw.FileID,
			Removed: raw.Removed,
		}

		if raw.Time != "" {
			if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
				ch.ChangedAt = t.UTC()
			}
		}

		if raw.File != nil {
			ch.File = raw.File.toMetadata(c.logger)
			if ch.File.Trashed {
				ch.Removed = true
			}
		}

		page.Changes = append(page.Changes, ch)
	}

	c.logger.Debug("fetched changes page",
		slog.Int("changes", len(page.Changes)),
		slog.Bool("has_next_page", page.NextPageToken != ""),
		slog.Bool("feed_consumed", page.NewStartPageToken != ""),
	)

	return page, nil
}
