package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertBlob records a blob row keyed by digest. Re-inserting an existing
// digest is a no-op, which makes change replay idempotent.
func (c *Catalog) UpsertBlob(ctx context.Context, digest string, accountID, sizeBytes int64) error {
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO backup_blobs (digest, account_id, size_bytes, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`,
		digest, accountID, sizeBytes, c.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: upserting blob %s: %w", digest, err)
	}

	return nil
}

// GetBlob returns a blob row by digest. ErrNotFound if absent.
func (c *Catalog) GetBlob(ctx context.Context, digest string) (*Blob, error) {
	var (
		b       Blob
		created int64
	)

	err := c.q.QueryRowContext(ctx,
		`SELECT digest, account_id, size_bytes, created_at
		 FROM backup_blobs WHERE digest = ?`, digest).
		Scan(&b.Digest, &b.AccountID, &b.SizeBytes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning blob: %w", err)
	}

	b.CreatedAt = time.Unix(0, created).UTC()

	return &b, nil
}

// ListOrphanBlobs returns an account's blobs with zero referencing file
// versions — the candidates for GC phase 2.
func (c *Catalog) ListOrphanBlobs(ctx context.Context, accountID int64) ([]*Blob, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT b.digest, b.account_id, b.size_bytes, b.created_at
		 FROM backup_blobs b
		 LEFT JOIN file_versions v ON v.digest = b.digest
		 WHERE b.account_id = ? AND v.id IS NULL
		 ORDER BY b.created_at`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing orphan blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*Blob

	for rows.Next() {
		var (
			b       Blob
			created int64
		)

		if err := rows.Scan(&b.Digest, &b.AccountID, &b.SizeBytes, &created); err != nil {
			return nil, fmt.Errorf("catalog: scanning orphan blob: %w", err)
		}

		b.CreatedAt = time.Unix(0, created).UTC()
		blobs = append(blobs, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating orphan blobs: %w", err)
	}

	return blobs, nil
}

// DeleteBlobRow removes a blob row. Fails if a file version still
// references it (RESTRICT foreign key) — GC must purge versions first.
func (c *Catalog) DeleteBlobRow(ctx context.Context, digest string) error {
	_, err := c.q.ExecContext(ctx,
		`DELETE FROM backup_blobs WHERE digest = ?`, digest)
	if err != nil {
		return fmt.Errorf("catalog: deleting blob row %s: %w", digest, err)
	}

	return nil
}
