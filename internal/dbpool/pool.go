// Package dbpool provides a shared PostgreSQL connection pool so the
// storage layer and any future repositories draw from one set of
// connections instead of each opening their own.
package dbpool

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pagecraft/server/internal/config"
)

// SharedPool wraps a single *sql.DB shared across the process.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a PostgreSQL pool sized per the storage config.
func NewSharedPool(cfg config.StorageConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the pool. sql.DB.Close is safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
