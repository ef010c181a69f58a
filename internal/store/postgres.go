package store

import (
	"database/sql"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

const (
	postgresMaxConns        = 25
	postgresConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL. JSON columns use JSONB.
type PostgresStore struct {
	*sqlCore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with the DSN option and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	core, err := openSQLCore("postgres", cfg.DSN, "PostgresStore", postgresMigrations, true, func(db *sql.DB) {
		db.SetMaxOpenConns(postgresMaxConns)
		db.SetMaxIdleConns(postgresMaxConns)
		db.SetConnMaxLifetime(postgresConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlCore: core}, nil
}
