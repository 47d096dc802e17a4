package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/Vanuan/photoq/dlq"
	"github.com/Vanuan/photoq/job"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/scheduler"
)

// Ensure Store satisfies every subsystem contract at compile time.
var (
	_ queue.Store              = (*Store)(nil)
	_ job.Store                = (*Store)(nil)
	_ scheduler.RecurringStore = (*Store)(nil)
	_ dlq.Store                = (*Store)(nil)
)

// leaseExpiredMsg is recorded as LastError when the sweep reclaims a
// job whose worker stopped renewing.
const leaseExpiredMsg = "lease expired without renewal"

// Store is a database/sql implementation of store.Store on SQLite.
// All state transitions are single guarded UPDATE statements, so the
// engine's compare-and-set semantics hold without explicit locking.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	ownsDB bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an existing database handle. The caller owns the *sql.DB
// lifecycle; Close is a no-op.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a SQLite database at path and returns a Store that owns
// the handle. Pass ":memory:" for an in-process throwaway database.
// Paths that already carry DSN parameters are used verbatim.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("photoq/sqlite: open %s: %w", path, err)
	}
	// SQLite permits one writer at a time, so the pool holds a single
	// connection.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying handle for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the handle if the Store opened it. For handles passed
// through New the caller owns the lifecycle and Close is a no-op.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// ── helpers ──────────────────────────────────────

// isNoRows reports whether err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
