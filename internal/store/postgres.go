package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Connection pool settings for PostgreSQL.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	sqlDB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database named by the DSN option and
// applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: database DSN not set")
	}

	db, err := openSQL("postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) error {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &PostgresStore{sqlDB{
		db:            db,
		name:          "PostgresStore",
		rebind:        rebindDollar,
		readOnlyViews: true,
	}}, nil
}
