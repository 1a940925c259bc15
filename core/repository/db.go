package repository

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a *sql.DB with the connection settings the orchestrator expects.
// Every repository in this package is constructed on top of one shared DB.
type DB struct {
	*sql.DB
}

// Open connects to Postgres using the given DSN and verifies the connection
// with a ping before returning.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open: %w", err)
	}

	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	return &DB{DB: sqlDB}, nil
}
