package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidTransition is returned when a requested status move is not in the transition matrix.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrConflictUnresolved means an insert lost a uniqueness race but the winning row could not be read back.
	ErrConflictUnresolved = errors.New("store: conflict but no existing row found")
)

// Store persists pay runs, items and settlement state. The same SQL runs on
// Postgres (pgx) and SQLite; dialect differences are confined to dialect.go.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   clockwork.Clock
	logger  *slog.Logger
	onClose func()

	leaseSkew time.Duration
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the clock used for every timestamp the store writes on its own.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLeaseSkew tolerates clock drift between workers: a foreign lease is
// only taken over once it has been expired for longer than skew.
func WithLeaseSkew(skew time.Duration) Option {
	return func(s *Store) { s.leaseSkew = skew }
}

// WithLogger sets the logger used for conflict diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func newStore(db *sql.DB, d dialect, onClose func(), opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: d,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		onClose: onClose,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres creates a pooled connection to Postgres.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	return newStore(db, postgresDialect, pool.Close, opts...), nil
}

// OpenSQLite opens (creating if needed) a SQLite database file. Writes are
// serialised through a single connection and every transaction takes the
// write lock up front, which stands in for row locks.
func OpenSQLite(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return newStore(db, sqliteDialect, nil, opts...), nil
}

// Open picks the backend from the DSN scheme: postgres:// and postgresql://
// go to Postgres, anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if isPostgresDSN(dsn) {
		return OpenPostgres(ctx, dsn, opts...)
	}
	return OpenSQLite(dsn, opts...)
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.onClose != nil {
		s.onClose()
	}
}

// Dialect names the backing database.
func (s *Store) Dialect() string {
	return s.dialect.name
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
