package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// maxErrorLen caps every persisted error text, in characters.
const maxErrorLen = 2000

// truncateError keeps the first maxErrorLen characters of msg as valid UTF-8.
// Postgres rejects text columns holding a split multi-byte sequence.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	n := 0
	for i := range msg {
		if n == maxErrorLen {
			return msg[:i]
		}
		n++
	}
	return msg
}

// insertIfAbsent runs an INSERT and reports whether a row was written. A row
// that already exists under any unique constraint is not an error: the
// statement carries ON CONFLICT DO NOTHING, and a unique violation raised
// anyway is mapped to "already exists".
func (s *Store) insertIfAbsent(ctx context.Context, q querier, insert string, args ...any) (bool, error) {
	n, err := s.exec(ctx, q, insert+" ON CONFLICT DO NOTHING", args...)
	if s.dialect.isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs[S ~string](xs []S) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func zeroToNilMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return toMillis(t)
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
