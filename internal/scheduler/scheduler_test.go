package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/driveback/driveback/internal/catalog"
)

type runRecorder struct {
	mu    sync.Mutex
	runs  []string
	err   error
	block chan struct{}

	active  atomic.Int32
	maxSeen atomic.Int32
}

func (r *runRecorder) run(ctx context.Context, account *catalog.Account, root *catalog.SyncRoot) error {
	cur := r.active.Add(1)
	defer r.active.Add(-1)

	for {
		seen := r.maxSeen.Load()
		if cur <= seen || r.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}

	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	r.runs = append(r.runs, account.Email+"/"+root.Name)
	r.mu.Unlock()

	return r.err
}

func (r *runRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.runs...)
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.Open(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	return cat
}

func addAccount(t *testing.T, cat *catalog.Catalog, email string, active bool, roots ...string) *catalog.Account {
	t.Helper()
	ctx := context.Background()

	account := &catalog.Account{
		Provider: catalog.ProviderGoogleDrive,
		Email:    email,
		IsActive: active,
	}
	require.NoError(t, cat.CreateAccount(ctx, account))

	for _, name := range roots {
		require.NoError(t, cat.CreateSyncRoot(ctx, &catalog.SyncRoot{
			AccountID:      account.ID,
			ProviderRootID: name,
			Name:           name,
			IsEnabled:      true,
		}))
	}

	return account
}

func newScheduler(cat *catalog.Catalog, run RunFunc, maxConcurrent int) *Scheduler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(cat, run, 10*time.Millisecond, maxConcurrent, logger)
}

func TestTickSyncsEnabledRootsOfDueAccounts(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	account := addAccount(t, cat, "alice@example.com", true, "My Drive")
	require.NoError(t, cat.CreateSyncRoot(ctx, &catalog.SyncRoot{
		AccountID:      account.ID,
		ProviderRootID: "shared",
		Name:           "Shared",
		IsEnabled:      false,
	}))

	addAccount(t, cat, "inactive@example.com", false, "My Drive")

	rec := &runRecorder{}
	s := newScheduler(cat, rec.run, 2)

	g := &errgroup.Group{}
	require.NoError(t, s.Tick(ctx, g))
	require.NoError(t, g.Wait())

	assert.Equal(t, []string{"alice@example.com/My Drive"}, rec.recorded(),
		"disabled roots and inactive accounts are skipped")
}

func TestTickReschedulesClaimedAccounts(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	addAccount(t, cat, "alice@example.com", true, "My Drive")

	rec := &runRecorder{}
	s := newScheduler(cat, rec.run, 2)

	g := &errgroup.Group{}
	require.NoError(t, s.Tick(ctx, g))
	require.NoError(t, s.Tick(ctx, g), "second tick before the interval claims nothing")
	require.NoError(t, g.Wait())

	assert.Len(t, rec.recorded(), 1)
}

func TestConcurrencyIsBounded(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		addAccount(t, cat, email, true, "My Drive")
	}

	rec := &runRecorder{block: make(chan struct{})}
	s := newScheduler(cat, rec.run, 1)

	g := &errgroup.Group{}
	require.NoError(t, s.Tick(ctx, g))

	// Let workers reach the semaphore, then release them all.
	time.Sleep(50 * time.Millisecond)
	close(rec.block)
	require.NoError(t, g.Wait())

	assert.Len(t, rec.recorded(), 3)
	assert.Equal(t, int32(1), rec.maxSeen.Load())
}

func TestOneInFlightSyncPerAccount(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	account := addAccount(t, cat, "alice@example.com", true, "My Drive")

	rec := &runRecorder{}
	s := newScheduler(cat, rec.run, 2)

	require.True(t, s.markInFlight(account.ID))

	g := &errgroup.Group{}
	require.NoError(t, s.Tick(ctx, g))
	require.NoError(t, g.Wait())

	assert.Empty(t, rec.recorded(), "account with a running sync is not started again")

	s.clearInFlight(account.ID)
}

func TestFailedSyncDoesNotStopOtherRoots(t *testing.T) {
	cat := testCatalog(t)
	ctx := context.Background()

	account := addAccount(t, cat, "alice@example.com", true)
	for _, name := range []string{"First", "Second"} {
		require.NoError(t, cat.CreateSyncRoot(ctx, &catalog.SyncRoot{
			AccountID:      account.ID,
			ProviderRootID: name,
			Name:           name,
			IsEnabled:      true,
		}))
	}

	rec := &runRecorder{err: errors.New("transient")}
	s := newScheduler(cat, rec.run, 2)

	g := &errgroup.Group{}
	require.NoError(t, s.Tick(ctx, g))
	require.NoError(t, g.Wait(), "run errors are logged, not propagated")

	assert.Len(t, rec.recorded(), 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	cat := testCatalog(t)

	addAccount(t, cat, "alice@example.com", true, "My Drive")

	rec := &runRecorder{}
	s := newScheduler(cat, rec.run, 2)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the first tick a chance to claim and sync.
	require.Eventually(t, func() bool {
		return len(rec.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
