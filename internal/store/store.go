package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding all disk-lifecycle state.
// Use ":memory:" for an in-memory database, or a file path for persistence.
type Store struct {
	db *sql.DB
}

// Open opens the database, enforces foreign keys and initializes the schema
// and seed rows.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// PRAGMA foreign_keys is per-connection; a single connection keeps it in
	// force and also keeps an in-memory database from splitting across
	// connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle to the component stores.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seed()
}

// seed inserts the fixed reference enumerations. Idempotent; the sets are
// closed and never mutated at runtime.
func (s *Store) seed() error {
	for _, name := range []string{"ceph", "sio", "solidfire", "hitachi"} {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO storage_types (storage_type) VALUES (?)", name,
		); err != nil {
			return fmt.Errorf("seed storage type %s: %w", name, err)
		}
	}
	for _, name := range []string{
		"diskadd", "diskreplace", "diskremove",
		"clusteradd", "clusterdelete", "waitforreplacement", "evaluation",
	} {
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO operation_types (op_name) VALUES (?)", name,
		); err != nil {
			return fmt.Errorf("seed operation type %s: %w", name, err)
		}
	}
	return nil
}
