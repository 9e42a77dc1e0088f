// Package postgres hosts the database handle shared by the Postgres store
// adapters.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"github.com/jmoiron/sqlx"

	"goa.design/clue/health"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	clientName             = "postgres"
)

// Client exposes the shared connection pool and its health probe. Store
// adapters receive a Client and never open their own connections.
type Client interface {
	health.Pinger

	// DB returns the underlying sqlx handle.
	DB() *sqlx.DB
	// Close closes the pool.
	Close() error
}

// Options configures the Postgres client.
type Options struct {
	// DSN is the Postgres connection string.
	DSN string
	// MaxOpenConns caps the pool size. Defaults to 25.
	MaxOpenConns int
	// MaxIdleConns caps idle connections. Defaults to 5.
	MaxIdleConns int
	// ConnMaxLifetime recycles connections after this age. Defaults to 5m.
	ConnMaxLifetime time.Duration
}

type client struct {
	db *sqlx.DB
}

// New opens the connection pool and verifies connectivity.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := opts.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}

	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &client{db: sqlx.NewDb(db, "pgx")}, nil
}

// FromDB wraps an existing handle. Used by tests that inject sqlmock.
func FromDB(db *sqlx.DB) Client {
	return &client{db: db}
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.db.PingContext(ctx)
}

func (c *client) DB() *sqlx.DB { return c.db }

func (c *client) Close() error { return c.db.Close() }
