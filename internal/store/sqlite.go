package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is the mode of a created database directory.
	DefaultDirPermissions = 0o755
	// DefaultBusyTimeoutMillis is how long SQLite waits on a locked database before failing.
	DefaultBusyTimeoutMillis = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	sqlDB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database file named
// by the DSN option and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite: database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory %s: %w", dir, err)
	}

	db, err := openSQL("sqlite3", cfg.DSN, sqliteMigrations, func(db *sql.DB) error {
		// One connection serializes units of work; SQLite has a single writer anyway.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", DefaultBusyTimeoutMillis)); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{sqlDB{
		db:     db,
		name:   "SQLiteStore",
		rebind: func(q string) string { return q },
	}}, nil
}
