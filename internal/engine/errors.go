package engine

import "errors"

// Sentinel errors for sync runs. Check with errors.Is.
var (
	// ErrSyncAborted means preconditions failed before any change was
	// processed (disabled account, disabled root). Not retried.
	ErrSyncAborted = errors.New("engine: sync aborted")

	// ErrTokenRefresh means credentials could not be refreshed. The run
	// never starts; the account needs re-authorization or a later retry.
	ErrTokenRefresh = errors.New("engine: token refresh failed")

	// ErrRootBusy means another sync of the same root is in flight.
	ErrRootBusy = errors.New("engine: sync root already syncing")
)
