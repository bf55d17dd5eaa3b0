// Package catalog persists all backup metadata in an embedded SQLite
// database: accounts, sync roots, backup items, blobs, file versions,
// retention policies, sync sessions, and sync events.
//
// The database runs in WAL mode with synchronous=FULL and foreign keys
// enabled. A single connection (SetMaxOpenConns(1)) keeps writes serialized
// — the sole-writer pattern. Schema changes ship as embedded goose
// migrations.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO), registers as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("catalog: not found")

const walJournalSizeLimit = 67108864 // 64 MiB

// querier is satisfied by both *sql.DB and *sql.Tx so that every catalog
// method works inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Catalog is the metadata store. A Catalog obtained from Open owns the
// database; a Catalog passed to an InTx callback is a transaction-scoped
// view sharing the same methods.
type Catalog struct {
	db      *sql.DB // nil for transaction-scoped views
	q       querier
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (or creates) the catalog database at dbPath and applies any
// pending migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN pragmas apply to every pooled connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(%d)",
		dbPath, walJournalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: one connection, serialized writes.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("catalog opened", slog.String("db_path", dbPath))

	return &Catalog{
		db:      db,
		q:       db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the underlying database. No-op on transaction views.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}

	return c.db.Close()
}

// SetNowFunc overrides the clock. Tests only.
func (c *Catalog) SetNowFunc(fn func() time.Time) { c.nowFunc = fn }

// InTx runs fn inside a transaction. The Catalog handed to fn shares the
// logger and clock but routes all statements through the transaction.
// A nil return commits; any error rolls back.
func (c *Catalog) InTx(ctx context.Context, fn func(tx *Catalog) error) error {
	if c.db == nil {
		return errors.New("catalog: nested transactions are not supported")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin transaction: %w", err)
	}
	defer tx.Rollback()

	view := &Catalog{q: tx, logger: c.logger, nowFunc: c.nowFunc}

	if err := fn(view); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: commit transaction: %w", err)
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("catalog: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("catalog: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Time storage helpers. All timestamps are Unix nanoseconds; the zero
// time maps to NULL.

func timeToNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanoToTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return time.Unix(0, n.Int64).UTC()
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: v, Valid: true}
}
