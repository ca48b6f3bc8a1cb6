// Package sqlstore implements the domain repositories on top of SQL. SQLite
// (pure Go, via modernc.org/sqlite) is the default; PostgreSQL is used when
// the database URL has a postgres scheme.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Repository implements the domain repositories for statuses, cursors,
// preferences, sessions and webhooks.
type Repository struct {
	db      *sql.DB
	dialect dialect
}

// NewRepository connects to the database at databaseURL, verifies the
// connection, and creates any missing tables. The caller should call Close
// when the repository is no longer needed.
//
// Accepted URLs are postgres://..., postgresql://..., sqlite://path or a bare
// SQLite file path.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	d, driver, dsn := parseDatabaseURL(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d == dialectSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &Repository{db: db, dialect: d}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Dialect names the SQL backend in use.
func (r *Repository) Dialect() string {
	return r.dialect.String()
}

// Ping verifies the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func parseDatabaseURL(raw string) (dialect, string, string) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return dialectPostgres, "postgres", raw
	case raw == ":memory:":
		return dialectSQLite, "sqlite", "file::memory:"
	default:
		path := strings.TrimPrefix(raw, "sqlite://")
		return dialectSQLite, "sqlite", "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(r.dialect) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the $N form PostgreSQL expects.
func (r *Repository) rebind(query string) string {
	if r.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.rebind(query), args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.rebind(query), args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.rebind(query), args...)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
