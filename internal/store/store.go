// Package store provides storage backends for SearchIngest.
//
// Every read or write goes through a scoped unit of work: Update opens a
// read/write transaction around the callback, View a read transaction. The
// scheduler, the update queue and the jobs each open their own short units of
// work; none of them holds a transaction across a remote call.
package store

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// Store is a transactional record store.
type Store interface {
	// Update runs fn inside a read/write unit of work. The work is committed
	// when fn returns nil and rolled back otherwise.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn inside a read unit of work.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of repositories available inside a unit of work.
type Tx interface {
	JobRepo
	PendingUpdateRepo
	EntityRepo
	NotificationRepo
}

// Opts holds configuration shared by the SQL backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open opens the backend matching the DSN type.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
