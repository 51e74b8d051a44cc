// Package store wraps the embedded relational database (pure-Go SQLite via
// modernc.org/sqlite) that backs the operation log, conflict records,
// checkpoints, schema-migration log, and peer metadata.
//
// Grounded on sqlite_backend.go: connection-string construction from
// pragmas, a single *sql.DB behind a mutex enforcing one exclusive writer,
// and eager schema initialization on open.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// Config configures the embedded store connection.
type Config struct {
	Path        string
	JournalMode string
	BusyTimeout int
	MaxOpenConns int
}

// DefaultConfig returns sane defaults, matching
// sqlite_backend.go's DefaultSQLiteBackendConfig.
func DefaultConfig() Config {
	return Config{
		Path:         "sync.db",
		JournalMode:  "WAL",
		BusyTimeout:  5000,
		MaxOpenConns: 1, // single writer
	}
}

// Store owns the database connection: the pool is capped at MaxOpenConns
// (one by default), so every log write, capture, and apply shares that
// connection. mu is the single-writer lock taken by Lock/Unlock and Close.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.Mutex
	closed bool
}

// Open connects to the embedded store and installs the internal schema:
// sync_operations, sync_conflicts, sync_vector_clock, sync_device,
// sync_enabled_tables, sync_checkpoints, sync_schema_migrations,
// imported_bundles, sync_peers.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = DefaultConfig().JournalMode
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultConfig().BusyTimeout
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &syncerr.DatabaseError{Op: "open", Cause: err}
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &Store{db: db, config: cfg}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB. Exposed for packages (capture, apply,
// bundle) that need direct prepared-statement access while still
// serializing through Store's lock via Lock/Unlock.
func (s *Store) DB() *sql.DB { return s.db }

// Lock acquires the single-writer lock. Callers must Unlock when done.
// Calls made directly on DB() do not take it; capture.ExecCaptured does.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the single-writer lock.
func (s *Store) Unlock() { s.mu.Unlock() }

// Close releases the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return &syncerr.DatabaseError{Op: "init schema", Cause: fmt.Errorf("%s: %w", firstLine(stmt), err)}
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
