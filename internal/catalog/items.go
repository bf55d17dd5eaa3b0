package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const itemCols = `id, sync_root_id, provider_item_id, name, path, item_type,
	mime_type, size_bytes, provider_modified_at, etag, state, state_changed_at,
	missing_since_sync_count, last_seen_at, parent_id, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*BackupItem, error) {
	var (
		it           BackupItem
		modifiedAt   sql.NullInt64
		stateChanged sql.NullInt64
		lastSeen     sql.NullInt64
		parentID     sql.NullInt64
		created      int64
		updated      int64
	)

	err := row.Scan(&it.ID, &it.SyncRootID, &it.ProviderItemID, &it.Name,
		&it.Path, &it.ItemType, &it.MimeType, &it.SizeBytes, &modifiedAt,
		&it.Etag, &it.State, &stateChanged, &it.MissingSinceSyncCount,
		&lastSeen, &parentID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning backup item: %w", err)
	}

	it.ProviderModifiedAt = nanoToTime(modifiedAt)
	it.StateChangedAt = nanoToTime(stateChanged)
	it.LastSeenAt = nanoToTime(lastSeen)
	it.ParentID = parentID.Int64
	it.CreatedAt = time.Unix(0, created).UTC()
	it.UpdatedAt = time.Unix(0, updated).UTC()

	return &it, nil
}

// CreateItem inserts a backup item and populates its ID.
func (c *Catalog) CreateItem(ctx context.Context, it *BackupItem) error {
	now := c.nowFunc()

	if it.State == "" {
		it.State = StateActive
	}

	if it.StateChangedAt.IsZero() {
		it.StateChangedAt = now
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO backup_items
			(sync_root_id, provider_item_id, name, path, item_type, mime_type,
			 size_bytes, provider_modified_at, etag, state, state_changed_at,
			 missing_since_sync_count, last_seen_at, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.SyncRootID, it.ProviderItemID, it.Name, it.Path, it.ItemType,
		it.MimeType, it.SizeBytes, timeToNano(it.ProviderModifiedAt), it.Etag,
		it.State, timeToNano(it.StateChangedAt), it.MissingSinceSyncCount,
		timeToNano(it.LastSeenAt), nullInt64(it.ParentID), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting item %s: %w", it.ProviderItemID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: item insert id: %w", err)
	}

	it.ID = id
	it.CreatedAt = now
	it.UpdatedAt = now

	return nil
}

// UpdateItem rewrites all mutable fields of a backup item.
func (c *Catalog) UpdateItem(ctx context.Context, it *BackupItem) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE backup_items SET
			name = ?, path = ?, item_type = ?, mime_type = ?, size_bytes = ?,
			provider_modified_at = ?, etag = ?, state = ?, state_changed_at = ?,
			missing_since_sync_count = ?, last_seen_at = ?, parent_id = ?, updated_at = ?
		 WHERE id = ?`,
		it.Name, it.Path, it.ItemType, it.MimeType, it.SizeBytes,
		timeToNano(it.ProviderModifiedAt), it.Etag, it.State,
		timeToNano(it.StateChangedAt), it.MissingSinceSyncCount,
		timeToNano(it.LastSeenAt), nullInt64(it.ParentID), c.nowFunc().UnixNano(), it.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog: updating item %d: %w", it.ID, err)
	}

	return nil
}

// GetItem returns a backup item by ID. ErrNotFound if absent.
func (c *Catalog) GetItem(ctx context.Context, id int64) (*BackupItem, error) {
	return scanItem(c.q.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM backup_items WHERE id = ?`, id))
}

// GetItemByProviderID returns a backup item by (syncRoot, providerItemID).
// ErrNotFound if absent.
func (c *Catalog) GetItemByProviderID(ctx context.Context, rootID int64, providerItemID string) (*BackupItem, error) {
	return scanItem(c.q.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM backup_items
		 WHERE sync_root_id = ? AND provider_item_id = ?`,
		rootID, providerItemID))
}

// FindItemByPath returns a non-purged item holding the given path within a
// sync root, excluding a provider item ID (so an item never conflicts with
// itself). ErrNotFound if the path is free.
func (c *Catalog) FindItemByPath(ctx context.Context, rootID int64, path, excludeProviderID string) (*BackupItem, error) {
	return scanItem(c.q.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM backup_items
		 WHERE sync_root_id = ? AND path = ? AND provider_item_id != ? AND state != ?
		 LIMIT 1`,
		rootID, path, excludeProviderID, StatePurged))
}

// ListItemPaths returns the providerItemID → path mapping for a sync root.
// Used to bulk-load the PathBuilder cache.
func (c *Catalog) ListItemPaths(ctx context.Context, rootID int64) (map[string]string, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT provider_item_id, path FROM backup_items WHERE sync_root_id = ?`, rootID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing item paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]string)

	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("catalog: scanning item path: %w", err)
		}

		paths[id] = path
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating item paths: %w", err)
	}

	return paths, nil
}

// ListItemsUnseenSince returns items in the sync root that are ACTIVE or
// MISSING_UPSTREAM and were last seen before the given sync start time.
// These are the candidates for the deletion-state sweep.
func (c *Catalog) ListItemsUnseenSince(ctx context.Context, rootID int64, syncStart time.Time) ([]*BackupItem, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+itemCols+` FROM backup_items
		 WHERE sync_root_id = ? AND state IN (?, ?)
		   AND (last_seen_at IS NULL OR last_seen_at < ?)
		 ORDER BY id`,
		rootID, StateActive, StateMissingUpstream, syncStart.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: listing unseen items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// ListItemsByAccount returns all backup items across an account's sync
// roots. Used by GC's version purge.
func (c *Catalog) ListItemsByAccount(ctx context.Context, accountID int64) ([]*BackupItem, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+itemColsPrefixed+` FROM backup_items i
		 JOIN sync_roots r ON r.id = i.sync_root_id
		 WHERE r.account_id = ?
		 ORDER BY i.id`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing account items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// ListQuarantinedBefore returns an account's QUARANTINED items whose state
// changed before the cutoff. Used by GC's quarantine expiry.
func (c *Catalog) ListQuarantinedBefore(ctx context.Context, accountID int64, cutoff time.Time) ([]*BackupItem, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+itemColsPrefixed+` FROM backup_items i
		 JOIN sync_roots r ON r.id = i.sync_root_id
		 WHERE r.account_id = ? AND i.state = ? AND i.state_changed_at < ?
		 ORDER BY i.id`,
		accountID, StateQuarantined, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: listing quarantined items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// itemColsPrefixed qualifies itemCols with the "i" alias for joins.
const itemColsPrefixed = `i.id, i.sync_root_id, i.provider_item_id, i.name, i.path,
	i.item_type, i.mime_type, i.size_bytes, i.provider_modified_at, i.etag,
	i.state, i.state_changed_at, i.missing_since_sync_count, i.last_seen_at,
	i.parent_id, i.created_at, i.updated_at`

func collectItems(rows *sql.Rows) ([]*BackupItem, error) {
	var items []*BackupItem

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating items: %w", err)
	}

	return items, nil
}

// SetItemState transitions an item's state, stamping state_changed_at and
// overwriting the missing counter.
func (c *Catalog) SetItemState(ctx context.Context, id int64, state ItemState, missingCount int) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE backup_items
		 SET state = ?, state_changed_at = ?, missing_since_sync_count = ?, updated_at = ?
		 WHERE id = ?`,
		state, c.nowFunc().UnixNano(), missingCount, c.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("catalog: setting item %d state %s: %w", id, state, err)
	}

	return nil
}
