package catalog

import "time"

// Provider identifies a cloud storage provider.
type Provider string

// Supported providers.
const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderOneDrive    Provider = "onedrive"
)

// ItemType distinguishes files from folders.
type ItemType string

// Item types.
const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// ItemState is the deletion-state machine position of a BackupItem.
//
//	ACTIVE ──(missing ≥1)──► MISSING_UPSTREAM ──(missing again)──► QUARANTINED
//	ACTIVE ──(explicit delete)──► DELETED_UPSTREAM
//	QUARANTINED ──(retention expiry, GC)──► PURGED (terminal)
type ItemState string

// Item states.
const (
	StateActive          ItemState = "active"
	StateMissingUpstream ItemState = "missing_upstream"
	StateQuarantined     ItemState = "quarantined"
	StateDeletedUpstream ItemState = "deleted_upstream"
	StatePurged          ItemState = "purged"
)

// VersionReason records why a FileVersion was captured.
type VersionReason string

// Version reasons.
const (
	ReasonUpdate         VersionReason = "update"
	ReasonPreDelete      VersionReason = "pre_delete"
	ReasonManualSnapshot VersionReason = "manual_snapshot"
	ReasonConflict       VersionReason = "conflict"
	ReasonRestorePoint   VersionReason = "restore_point"
)

// SessionStatus is the lifecycle state of a SyncSession.
type SessionStatus string

// Session statuses.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPartial   SessionStatus = "partial"
)

// EventType classifies a SyncEvent.
type EventType string

// Event types.
const (
	EventFileAdded       EventType = "file_added"
	EventFileUpdated     EventType = "file_updated"
	EventFileDeleted     EventType = "file_deleted"
	EventFileQuarantined EventType = "file_quarantined"
	EventError           EventType = "error"
	EventCheckpoint      EventType = "checkpoint"
)

// Account is a credential-holding principal. Tokens live in the secrets
// file, never here.
type Account struct {
	ID                  int64
	Provider            Provider
	Name                string
	Email               string
	IsActive            bool
	SyncIntervalMinutes int
	NextSyncAt          time.Time // zero = not scheduled
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SyncRoot is a remote subtree being replicated. SyncCursor is the opaque
// provider token sync resumes from.
type SyncRoot struct {
	ID             int64
	AccountID      int64
	ProviderRootID string
	Name           string
	SyncCursor     string
	LastSyncAt     time.Time
	IsEnabled      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BackupItem is a logical file or folder known to the system, identified by
// (SyncRootID, ProviderItemID).
type BackupItem struct {
	ID                    int64
	SyncRootID            int64
	ProviderItemID        string
	Name                  string
	Path                  string
	ItemType              ItemType
	MimeType              string
	SizeBytes             int64
	ProviderModifiedAt    time.Time
	Etag                  string
	State                 ItemState
	StateChangedAt        time.Time
	MissingSinceSyncCount int
	LastSeenAt            time.Time
	ParentID              int64 // 0 = no parent row
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Blob is an immutable payload identified by its content digest.
type Blob struct {
	Digest    string
	AccountID int64
	SizeBytes int64
	CreatedAt time.Time
}

// FileVersion is a historical pointer from a BackupItem to a Blob. The blob
// row may not be deleted while a version references it.
type FileVersion struct {
	ID                int64
	AccountID         int64
	BackupItemID      int64
	Digest            string
	ObservedPath      string
	EtagOrRevision    string
	ContentModifiedAt time.Time
	CapturedAt        time.Time
	Reason            VersionReason
}

// RetentionPolicy scopes version retention to an account or a sync root
// (at most one of the two set).
type RetentionPolicy struct {
	ID              int64
	AccountID       int64 // 0 = unset
	SyncRootID      int64 // 0 = unset
	KeepLastN       int
	KeepDays        int
	MaxStorageBytes int64
}

// SyncSession records one sync run with its counters.
type SyncSession struct {
	ID               int64
	SyncRootID       int64
	StartedAt        time.Time
	CompletedAt      time.Time
	IsInitial        bool
	StartCursor      string
	EndCursor        string
	Status           SessionStatus
	FilesAdded       int
	FilesUpdated     int
	FilesDeleted     int
	FilesQuarantined int
	BytesDownloaded  int64
	ErrorMessage     string
}

// SyncEvent is an append-only audit record within a session.
type SyncEvent struct {
	ID             int64
	SessionID      int64
	Timestamp      time.Time
	EventType      EventType
	BackupItemID   int64 // 0 = no item
	ProviderFileID string
	FilePath       string
	Message        string
}
