package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionCols = `id, sync_root_id, started_at, completed_at, is_initial,
	start_cursor, end_cursor, status, files_added, files_updated, files_deleted,
	files_quarantined, bytes_downloaded, error_message`

func scanSession(row interface{ Scan(...any) error }) (*SyncSession, error) {
	var (
		s         SyncSession
		started   int64
		completed sql.NullInt64
		isInitial int
	)

	err := row.Scan(&s.ID, &s.SyncRootID, &started, &completed, &isInitial,
		&s.StartCursor, &s.EndCursor, &s.Status, &s.FilesAdded, &s.FilesUpdated,
		&s.FilesDeleted, &s.FilesQuarantined, &s.BytesDownloaded, &s.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning sync session: %w", err)
	}

	s.StartedAt = time.Unix(0, started).UTC()
	s.CompletedAt = nanoToTime(completed)
	s.IsInitial = isInitial != 0

	return &s, nil
}

// CreateSession opens a sync session in the running state and populates its
// ID.
func (c *Catalog) CreateSession(ctx context.Context, s *SyncSession) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = c.nowFunc()
	}

	if s.Status == "" {
		s.Status = SessionRunning
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO sync_sessions
			(sync_root_id, started_at, is_initial, start_cursor, end_cursor, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.SyncRootID, s.StartedAt.UnixNano(), s.IsInitial,
		s.StartCursor, s.EndCursor, s.Status,
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting session for root %d: %w", s.SyncRootID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: session insert id: %w", err)
	}

	s.ID = id

	return nil
}

// GetSession returns a session by ID. ErrNotFound if absent.
func (c *Catalog) GetSession(ctx context.Context, id int64) (*SyncSession, error) {
	return scanSession(c.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sync_sessions WHERE id = ?`, id))
}

// LatestSession returns the most recently started session for a sync root.
// ErrNotFound if the root has never synced.
func (c *Catalog) LatestSession(ctx context.Context, rootID int64) (*SyncSession, error) {
	return scanSession(c.q.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sync_sessions
		 WHERE sync_root_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`, rootID))
}

// ListSessions returns a sync root's sessions newest first, up to limit.
func (c *Catalog) ListSessions(ctx context.Context, rootID int64, limit int) ([]*SyncSession, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sync_sessions
		 WHERE sync_root_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`, rootID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SyncSession

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating sessions: %w", err)
	}

	return sessions, nil
}

// CheckpointSession records the cursor reached after a committed batch.
// Only the session row carries it; the sync root's cursor advances at
// completion, so a crashed run replays from the last full sync.
func (c *Catalog) CheckpointSession(ctx context.Context, id int64, cursor string) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE sync_sessions SET end_cursor = ? WHERE id = ?`, cursor, id)
	if err != nil {
		return fmt.Errorf("catalog: checkpointing session %d: %w", id, err)
	}

	return nil
}

// UpdateSessionCounters overwrites a running session's counters.
func (c *Catalog) UpdateSessionCounters(ctx context.Context, s *SyncSession) error {
	_, err := c.q.ExecContext(ctx,
		`UPDATE sync_sessions SET
			files_added = ?, files_updated = ?, files_deleted = ?,
			files_quarantined = ?, bytes_downloaded = ?
		 WHERE id = ?`,
		s.FilesAdded, s.FilesUpdated, s.FilesDeleted,
		s.FilesQuarantined, s.BytesDownloaded, s.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog: updating session %d counters: %w", s.ID, err)
	}

	return nil
}

// CompleteSession closes a session with its final status, counters, cursor,
// and optional error message.
func (c *Catalog) CompleteSession(ctx context.Context, s *SyncSession, status SessionStatus, errMsg string) error {
	now := c.nowFunc()

	_, err := c.q.ExecContext(ctx,
		`UPDATE sync_sessions SET
			completed_at = ?, status = ?, end_cursor = ?,
			files_added = ?, files_updated = ?, files_deleted = ?,
			files_quarantined = ?, bytes_downloaded = ?, error_message = ?
		 WHERE id = ?`,
		now.UnixNano(), status, s.EndCursor,
		s.FilesAdded, s.FilesUpdated, s.FilesDeleted,
		s.FilesQuarantined, s.BytesDownloaded, errMsg, s.ID,
	)
	if err != nil {
		return fmt.Errorf("catalog: completing session %d: %w", s.ID, err)
	}

	s.CompletedAt = now
	s.Status = status
	s.ErrorMessage = errMsg

	return nil
}

// AppendEvent records an audit event within a session.
func (c *Catalog) AppendEvent(ctx context.Context, e *SyncEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = c.nowFunc()
	}

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO sync_events
			(session_id, timestamp, event_type, backup_item_id, provider_file_id, file_path, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Timestamp.UnixNano(), e.EventType,
		nullInt64(e.BackupItemID), e.ProviderFileID, e.FilePath, e.Message,
	)
	if err != nil {
		return fmt.Errorf("catalog: appending %s event: %w", e.EventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: event insert id: %w", err)
	}

	e.ID = id

	return nil
}

// ListEvents returns a session's events in order.
func (c *Catalog) ListEvents(ctx context.Context, sessionID int64) ([]*SyncEvent, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT id, session_id, timestamp, event_type, backup_item_id,
			provider_file_id, file_path, message
		 FROM sync_events
		 WHERE session_id = ?
		 ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing events: %w", err)
	}
	defer rows.Close()

	var events []*SyncEvent

	for rows.Next() {
		var (
			e      SyncEvent
			ts     int64
			itemID sql.NullInt64
		)

		if err := rows.Scan(&e.ID, &e.SessionID, &ts, &e.EventType, &itemID,
			&e.ProviderFileID, &e.FilePath, &e.Message); err != nil {
			return nil, fmt.Errorf("catalog: scanning event: %w", err)
		}

		e.Timestamp = time.Unix(0, ts).UTC()
		e.BackupItemID = itemID.Int64
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating events: %w", err)
	}

	return events, nil
}
