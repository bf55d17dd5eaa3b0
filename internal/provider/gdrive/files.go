package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/driveback/driveback/internal/provider"
)

const fileFields = "id,name,mimeType,size,modifiedTime,md5Checksum,version,parents,trashed"

// GetFileMetadata implements provider.Client.
func (c *Client) GetFileMetadata(ctx context.Context, fileID string) (*provider.FileMetadata, error) {
	q := url.Values{}
	q.Set("fields", fileFields)
	q.Set("supportsAllDrives", "true")

	resp, err := c.do(ctx, "/files/"+url.PathEscape(fileID)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fr fileResource
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("gdrive: decoding file metadata: %w", err)
	}

	return fr.toMetadata(c.logger), nil
}

// Download implements provider.Client. Regular files stream via alt=media;
// Google-native documents export to the format their backup name implies.
func (c *Client) Download(ctx context.Context, f *provider.FileMetadata) (io.ReadCloser, error) {
	if !f.Downloadable {
		return nil, fmt.Errorf("gdrive: file %s (%s): %w", f.ID, f.MimeType, provider.ErrNotExportable)
	}

	var path string
	if ef, ok := exportFormats[f.MimeType]; ok {
		q := url.Values{}
		q.Set("mimeType", ef.mimeType)
		path = "/files/" + url.PathEscape(f.ID) + "/export?" + q.Encode()
	} else {
		q := url.Values{}
		q.Set("alt", "media")
		q.Set("supportsAllDrives", "true")
		path = "/files/" + url.PathEscape(f.ID) + "?" + q.Encode()
	}

	resp, err := c.do(ctx, path)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}
