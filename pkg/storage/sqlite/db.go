package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DB wraps the underlying *sql.DB, applying migrations on open. SQLite's
// single-writer model means we cap the pool at one connection; callers that
// need phase-separated reads (see List-style queries below) must close their
// rows before issuing a second query on the same connection.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and brings
// its schema up to date.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{db: sqlDB}, nil
}

// DB returns the underlying *sql.DB.
func (d *DB) DB() *sql.DB { return d.db }

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.db.Close() }
