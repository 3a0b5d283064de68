// Package store implements the persistence layer: the SQLite-backed check,
// outcome, rollup, subscription, budget and region-lock repos, plus the
// file-backed replay queue for outcomes that could not be appended.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store is the single write entry point for all persistence operations.
// Writes are serialized by an internal mutex; SQLite runs in WAL mode with
// a single connection.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// stateRetries is the attempt budget for UpdateCheckState, read per
	// call so runtime config reloads take effect immediately.
	stateRetries func() int
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return &Store{db: db, stateRetries: func() int { return 3 }}, nil
}

// SetStateUpdateRetries overrides the attempt budget for UpdateCheckState.
func (s *Store) SetStateUpdateRetries(f func() int) {
	if f != nil {
		s.stateRetries = f
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenDB opens a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}
