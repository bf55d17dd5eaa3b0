// Package scheduler runs the background sync loop: it periodically claims
// accounts whose next sync is due and runs their enabled roots through a
// bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/driveback/driveback/internal/catalog"
)

// claimBatchSize caps how many due accounts one tick picks up. Anything
// beyond the cap is claimed on a later tick.
const claimBatchSize = 16

// RunFunc performs one sync of one root. The scheduler treats a non-nil
// error as a failed run: it logs it and moves on, the account stays
// scheduled.
type RunFunc func(ctx context.Context, account *catalog.Account, root *catalog.SyncRoot) error

// Scheduler claims due accounts from the catalog and fans their syncs out
// to workers. Concurrency is bounded two ways: a weighted semaphore caps
// simultaneous syncs, and an in-flight set guarantees at most one running
// sync per account even when an account stays due across ticks.
type Scheduler struct {
	cat          *catalog.Catalog
	run          RunFunc
	pollInterval time.Duration
	sem          *semaphore.Weighted
	logger       *slog.Logger

	mu       sync.Mutex
	inFlight map[int64]bool

	nowFunc func() time.Time
}

// New creates a scheduler. maxConcurrent must be at least 1.
func New(cat *catalog.Catalog, run RunFunc, pollInterval time.Duration, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &Scheduler{
		cat:          cat,
		run:          run,
		pollInterval: pollInterval,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		logger:       logger,
		inFlight:     make(map[int64]bool),
		nowFunc:      time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (s *Scheduler) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// Run polls for due accounts until ctx is cancelled, then waits for
// in-flight syncs to finish. Cancellation is a clean shutdown, not an
// error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.pollInterval))

	g := &errgroup.Group{}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx, g); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight syncs")
			_ = g.Wait()
			s.logger.Info("scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Tick claims one batch of due accounts and starts a worker per claimed
// account on g. Exposed so a one-shot daemon invocation can drain a single
// tick in tests.
func (s *Scheduler) Tick(ctx context.Context, g *errgroup.Group) error {
	accounts, err := s.cat.ClaimDueAccounts(ctx, s.nowFunc(), claimBatchSize)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if !s.markInFlight(account.ID) {
			s.logger.Debug("sync already in flight, skipping",
				slog.String("account", account.Email))

			continue
		}

		g.Go(func() error {
			defer s.clearInFlight(account.ID)

			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer s.sem.Release(1)

			s.syncAccount(ctx, account)

			return nil
		})
	}

	return nil
}

// syncAccount runs every enabled root of one account in order. A failed
// root does not stop the remaining roots.
func (s *Scheduler) syncAccount(ctx context.Context, account *catalog.Account) {
	roots, err := s.cat.ListSyncRoots(ctx, account.ID, true)
	if err != nil {
		s.logger.Error("listing sync roots failed",
			slog.String("account", account.Email),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, root := range roots {
		if ctx.Err() != nil {
			return
		}

		start := s.nowFunc()

		if err := s.run(ctx, account, root); err != nil {
			s.logger.Error("scheduled sync failed",
				slog.String("account", account.Email),
				slog.String("root", root.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("scheduled sync complete",
			slog.String("account", account.Email),
			slog.String("root", root.Name),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Scheduler) markInFlight(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[accountID] {
		return false
	}

	s.inFlight[accountID] = true

	return true
}

func (s *Scheduler) clearInFlight(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, accountID)
}
