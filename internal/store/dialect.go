package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the few places where Postgres and SQLite differ. Queries
// are written with ? placeholders and rebound per dialect.
type dialect struct {
	name string
	// lockRows is appended to claim SELECTs. SQLite has no row locks; its
	// immediate transactions already exclude other writers.
	lockRows string
	// lockRow is appended to single-row reads that must wait for the lock.
	lockRow         string
	numberedParams  bool
	uniqueViolation func(error) bool
}

var postgresDialect = dialect{
	name:            "postgres",
	lockRows:        " FOR UPDATE SKIP LOCKED",
	lockRow:         " FOR UPDATE",
	numberedParams:  true,
	uniqueViolation: isPgUniqueViolation,
}

var sqliteDialect = dialect{
	name:            "sqlite",
	uniqueViolation: isSQLiteUniqueViolation,
}

func (d dialect) rebind(query string) string {
	if !d.numberedParams || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) isUniqueViolation(err error) bool {
	return err != nil && d.uniqueViolation != nil && d.uniqueViolation(err)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
