package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const versionCols = `id, account_id, backup_item_id, digest, observed_path,
	etag_or_revision, content_modified_at, captured_at, reason`

func scanVersion(row interface{ Scan(...any) error }) (*FileVersion, error) {
	var (
		v          FileVersion
		modifiedAt sql.NullInt64
		captured   sql.NullInt64
	)

	err := row.Scan(&v.ID, &v.AccountID, &v.BackupItemID, &v.Digest,
		&v.ObservedPath, &v.EtagOrRevision, &modifiedAt, &captured, &v.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning file version: %w", err)
	}

	v.ContentModifiedAt = nanoToTime(modifiedAt)
	v.CapturedAt = nanoToTime(captured)

	return &v, nil
}

// CreateVersion inserts a file version, stamping CapturedAt if unset, and
// populates its ID.
func (c *Catalog) CreateVersion(ctx context.Context, v *FileVersion) error {
	if v.CapturedAt.IsZero() {
		v.CapturedAt = c.nowFunc()
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO file_versions
			(account_id, backup_item_id, digest, observed_path, etag_or_revision,
			 content_modified_at, captured_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.AccountID, v.BackupItemID, v.Digest, v.ObservedPath,
		v.EtagOrRevision, timeToNano(v.ContentModifiedAt),
		v.CapturedAt.UnixNano(), v.Reason,
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting version for item %d: %w", v.BackupItemID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: version insert id: %w", err)
	}

	v.ID = id

	return nil
}

// LatestVersion returns the most recently captured version for an item.
// ErrNotFound if the item has no versions.
func (c *Catalog) LatestVersion(ctx context.Context, itemID int64) (*FileVersion, error) {
	return scanVersion(c.q.QueryRowContext(ctx,
		`SELECT `+versionCols+` FROM file_versions
		 WHERE backup_item_id = ?
		 ORDER BY captured_at DESC, id DESC LIMIT 1`, itemID))
}

// LatestUpdateVersion returns the most recent version with reason=update
// for an item, used for the duplicate-digest idempotence check.
// ErrNotFound if none.
func (c *Catalog) LatestUpdateVersion(ctx context.Context, itemID int64) (*FileVersion, error) {
	return scanVersion(c.q.QueryRowContext(ctx,
		`SELECT `+versionCols+` FROM file_versions
		 WHERE backup_item_id = ? AND reason = ?
		 ORDER BY captured_at DESC, id DESC LIMIT 1`, itemID, ReasonUpdate))
}

// ListVersions returns an item's versions ordered newest first.
func (c *Catalog) ListVersions(ctx context.Context, itemID int64) ([]*FileVersion, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+versionCols+` FROM file_versions
		 WHERE backup_item_id = ?
		 ORDER BY captured_at DESC, id DESC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing versions: %w", err)
	}
	defer rows.Close()

	var versions []*FileVersion

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}

		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating versions: %w", err)
	}

	return versions, nil
}

// CountVersions returns the number of versions an item has.
func (c *Catalog) CountVersions(ctx context.Context, itemID int64) (int, error) {
	var count int

	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_versions WHERE backup_item_id = ?`, itemID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("catalog: counting versions: %w", err)
	}

	return count, nil
}

// DeleteVersions removes versions by ID.
func (c *Catalog) DeleteVersions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := c.q.ExecContext(ctx,
		`DELETE FROM file_versions WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("catalog: deleting %d versions: %w", len(ids), err)
	}

	return nil
}
