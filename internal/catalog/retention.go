package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const policyCols = `id, account_id, sync_root_id, keep_last_n, keep_days, max_storage_bytes`

func scanPolicy(row interface{ Scan(...any) error }) (*RetentionPolicy, error) {
	var (
		p          RetentionPolicy
		accountID  sql.NullInt64
		rootID     sql.NullInt64
		maxStorage sql.NullInt64
	)

	err := row.Scan(&p.ID, &accountID, &rootID, &p.KeepLastN, &p.KeepDays, &maxStorage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning retention policy: %w", err)
	}

	p.AccountID = accountID.Int64
	p.SyncRootID = rootID.Int64
	p.MaxStorageBytes = maxStorage.Int64

	return &p, nil
}

// SetRetentionPolicy creates or replaces the policy for the scope named by
// the policy's AccountID or SyncRootID (exactly one must be set).
func (c *Catalog) SetRetentionPolicy(ctx context.Context, p *RetentionPolicy) error {
	if (p.AccountID == 0) == (p.SyncRootID == 0) {
		return errors.New("catalog: retention policy needs exactly one of account or sync root scope")
	}

	now := c.nowFunc().UnixNano()

	var err error
	if p.AccountID != 0 {
		_, err = c.q.ExecContext(ctx,
			`DELETE FROM retention_policies WHERE account_id = ?`, p.AccountID)
	} else {
		_, err = c.q.ExecContext(ctx,
			`DELETE FROM retention_policies WHERE sync_root_id = ?`, p.SyncRootID)
	}

	if err != nil {
		return fmt.Errorf("catalog: replacing retention policy: %w", err)
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO retention_policies
			(account_id, sync_root_id, keep_last_n, keep_days, max_storage_bytes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullInt64(p.AccountID), nullInt64(p.SyncRootID),
		p.KeepLastN, p.KeepDays, nullInt64(p.MaxStorageBytes), now, now,
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting retention policy: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: retention policy insert id: %w", err)
	}

	p.ID = id

	return nil
}

// ResolveRetentionPolicy returns the policy governing a sync root: the
// root-scoped policy if one exists, otherwise the account-scoped one.
// ErrNotFound if neither is set; callers fall back to configured defaults.
func (c *Catalog) ResolveRetentionPolicy(ctx context.Context, accountID, rootID int64) (*RetentionPolicy, error) {
	p, err := scanPolicy(c.q.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM retention_policies WHERE sync_root_id = ?`, rootID))
	if err == nil {
		return p, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return scanPolicy(c.q.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM retention_policies WHERE account_id = ?`, accountID))
}

// DeleteRetentionPolicy removes a policy by ID.
func (c *Catalog) DeleteRetentionPolicy(ctx context.Context, id int64) error {
	_, err := c.q.ExecContext(ctx,
		`DELETE FROM retention_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: deleting retention policy %d: %w", id, err)
	}

	return nil
}
