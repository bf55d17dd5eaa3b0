package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAccount inserts an account and populates its ID. NextSyncAt is
// initialized to now so the scheduler picks the account up immediately.
func (c *Catalog) CreateAccount(ctx context.Context, a *Account) error {
	now := c.nowFunc()

	if a.SyncIntervalMinutes == 0 {
		a.SyncIntervalMinutes = 360
	}

	if a.NextSyncAt.IsZero() {
		a.NextSyncAt = now
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO accounts
			(provider, name, email, is_active, sync_interval_minutes, next_sync_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Provider, a.Name, a.Email, a.IsActive, a.SyncIntervalMinutes,
		timeToNano(a.NextSyncAt), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting account %s: %w", a.Email, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: account insert id: %w", err)
	}

	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now

	return nil
}

const accountCols = `id, provider, name, email, is_active, sync_interval_minutes,
	next_sync_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a          Account
		isActive   int
		nextSync   sql.NullInt64
		created    int64
		updated    int64
		syncMinute int
	)

	err := row.Scan(&a.ID, &a.Provider, &a.Name, &a.Email, &isActive,
		&syncMinute, &nextSync, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning account: %w", err)
	}

	a.IsActive = isActive != 0
	a.SyncIntervalMinutes = syncMinute
	a.NextSyncAt = nanoToTime(nextSync)
	a.CreatedAt = time.Unix(0, created).UTC()
	a.UpdatedAt = time.Unix(0, updated).UTC()

	return &a, nil
}

// GetAccount returns an account by ID. ErrNotFound if absent.
func (c *Catalog) GetAccount(ctx context.Context, id int64) (*Account, error) {
	return scanAccount(c.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

// GetAccountByEmail returns an account by (provider, email). ErrNotFound
// if absent.
func (c *Catalog) GetAccountByEmail(ctx context.Context, provider Provider, email string) (*Account, error) {
	return scanAccount(c.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE provider = ? AND email = ?`,
		provider, email))
}

// ListAccounts returns all accounts, optionally filtered to active ones.
func (c *Catalog) ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}

	query += ` ORDER BY id`

	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating accounts: %w", err)
	}

	return accounts, nil
}

// SetAccountActive enables or disables an account.
func (c *Catalog) SetAccountActive(ctx context.Context, id int64, active bool) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, c.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("catalog: updating account %d active flag: %w", id, err)
	}

	return nil
}

// DeleteAccount removes an account; roots, items, blobs, versions, and
// policies cascade.
func (c *Catalog) DeleteAccount(ctx context.Context, id int64) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: deleting account %d: %w", id, err)
	}

	return nil
}

// ClaimDueAccounts returns active accounts whose next_sync_at is at or
// before now, advancing each claimed account's next_sync_at by its sync
// interval in the same transaction. With the sole-writer connection this
// is the SQLite analog of a skip-locked due-row claim: a concurrent caller
// cannot claim the same account twice.
func (c *Catalog) ClaimDueAccounts(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	if c.db == nil {
		return nil, errors.New("catalog: ClaimDueAccounts requires a root catalog")
	}

	var claimed []*Account

	err := c.InTx(ctx, func(tx *Catalog) error {
		rows, err := tx.q.QueryContext(ctx,
			`SELECT `+accountCols+` FROM accounts
			 WHERE is_active = 1 AND next_sync_at IS NOT NULL AND next_sync_at <= ?
			 ORDER BY next_sync_at LIMIT ?`,
			now.UnixNano(), limit)
		if err != nil {
			return fmt.Errorf("catalog: selecting due accounts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}

			claimed = append(claimed, a)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("catalog: iterating due accounts: %w", err)
		}

		for _, a := range claimed {
			next := now.Add(time.Duration(a.SyncIntervalMinutes) * time.Minute)

			if _, err := tx.q.ExecContext(ctx,
				`UPDATE accounts SET next_sync_at = ?, updated_at = ? WHERE id = ?`,
				next.UnixNano(), now.UnixNano(), a.ID); err != nil {
				return fmt.Errorf("catalog: rescheduling account %d: %w", a.ID, err)
			}

			a.NextSyncAt = next
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// CreateSyncRoot inserts a sync root and populates its ID.
func (c *Catalog) CreateSyncRoot(ctx context.Context, r *SyncRoot) error {
	now := c.nowFunc()

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO sync_roots
			(account_id, provider_root_id, name, sync_cursor, last_sync_at, is_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.ProviderRootID, r.Name, r.SyncCursor,
		timeToNano(r.LastSyncAt), r.IsEnabled, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting sync root %s: %w", r.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: sync root insert id: %w", err)
	}

	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now

	return nil
}

const rootCols = `id, account_id, provider_root_id, name, sync_cursor,
	last_sync_at, is_enabled, created_at, updated_at`

func scanRoot(row interface{ Scan(...any) error }) (*SyncRoot, error) {
	var (
		r        SyncRoot
		lastSync sql.NullInt64
		enabled  int
		created  int64
		updated  int64
	)

	err := row.Scan(&r.ID, &r.AccountID, &r.ProviderRootID, &r.Name,
		&r.SyncCursor, &lastSync, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning sync root: %w", err)
	}

	r.LastSyncAt = nanoToTime(lastSync)
	r.IsEnabled = enabled != 0
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()

	return &r, nil
}

// GetSyncRoot returns a sync root by ID. ErrNotFound if absent.
func (c *Catalog) GetSyncRoot(ctx context.Context, id int64) (*SyncRoot, error) {
	return scanRoot(c.q.QueryRowContext(ctx,
		`SELECT `+rootCols+` FROM sync_roots WHERE id = ?`, id))
}

// ListSyncRoots returns an account's sync roots, optionally only enabled
// ones.
func (c *Catalog) ListSyncRoots(ctx context.Context, accountID int64, enabledOnly bool) ([]*SyncRoot, error) {
	query := `SELECT ` + rootCols + ` FROM sync_roots WHERE account_id = ?`
	if enabledOnly {
		query += ` AND is_enabled = 1`
	}

	query += ` ORDER BY id`

	rows, err := c.q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sync roots: %w", err)
	}
	defer rows.Close()

	var roots []*SyncRoot

	for rows.Next() {
		r, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}

		roots = append(roots, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating sync roots: %w", err)
	}

	return roots, nil
}

// UpdateSyncRootCursor persists the resume cursor and last sync time.
// Called exactly once per successful sync, after all batches commit.
func (c *Catalog) UpdateSyncRootCursor(ctx context.Context, id int64, cursor string, lastSyncAt time.Time) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE sync_roots SET sync_cursor = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`,
		cursor, timeToNano(lastSyncAt), c.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("catalog: updating cursor for root %d: %w", id, err)
	}

	return nil
}

// ResetSyncRootCursor clears the cursor so the next sync runs as initial.
func (c *Catalog) ResetSyncRootCursor(ctx context.Context, id int64) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE sync_roots SET sync_cursor = '', updated_at = ? WHERE id = ?`,
		c.nowFunc().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("catalog: resetting cursor for root %d: %w", id, err)
	}

	return nil
}
