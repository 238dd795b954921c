package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrDuplicateEvent is returned when a trigger event with the same dedup key
// already exists, i.e. a concurrent evaluation won the insert.
var ErrDuplicateEvent = errors.New("trigger event already recorded")

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps a Postgres or SQLite connection pool.
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
}

// Open connects to the database named by url and brings the schema up to date.
//
// postgres:// and postgresql:// URLs use lib/pq. sqlite://PATH, file:PATH and
// bare paths use modernc sqlite.
func Open(url string) (*DB, error) {
	return OpenWithPool(url, 12)
}

// OpenWithPool is Open with an explicit cap on open connections.
// SQLite is always limited to one connection.
func OpenWithPool(url string, maxOpen int) (*DB, error) {
	dialect, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	switch dialect {
	case SQLite:
		conn.SetMaxOpenConns(1)
	default:
		if maxOpen < 1 {
			maxOpen = 12
		}
		conn.SetMaxOpenConns(maxOpen)
		conn.SetMaxIdleConns(maxOpen / 2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return db, nil
}

// New wraps an existing connection without running migrations.
// Used with sqlmock in tests.
func New(conn *sqlx.DB, dialect Dialect) *DB {
	return &DB{conn: conn, dialect: dialect}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect returns the SQL flavour of the connection.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

func parseURL(url string) (Dialect, string, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return "", "", fmt.Errorf("database URL is required")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	}

	path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", "", fmt.Errorf("creating data directory: %w", err)
		}
	}
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	return SQLite, dsn, nil
}
