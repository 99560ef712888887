// Package sqlite implements storage.Store on top of a single-file SQLite
// database, following the transactional-write, phase-separated-read
// conventions used throughout the broker's SQLite layer.
package sqlite

import (
	"database/sql"

	"github.com/ztxtxwd/dext/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	wrapper *DB
	db      *sql.DB
}

// New wraps an already-open DB as a storage.Store.
func New(db *DB) *Store {
	return &Store{wrapper: db, db: db.DB()}
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.wrapper.Close() }

var _ storage.Store = (*Store)(nil)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
