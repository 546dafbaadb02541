// Package store implements the durable persistence layer: every entity
// in the data model, encrypted at rest where sensitive, with the
// transactional invariants the pipeline depends on (unique email id,
// unique classification per email, unique escalation group id, UTC
// timestamps everywhere).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ssmanji89/emailprocer/pkg/config"
	"github.com/ssmanji89/emailprocer/pkg/crypto"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps a pooled Postgres connection and the key ring used to
// encrypt/decrypt sensitive fields.
type Client struct {
	db   *sql.DB
	keys *crypto.KeyRing
}

// NewClient opens a connection pool, runs pending migrations, and
// returns a ready-to-use Client.
func NewClient(ctx context.Context, cfg config.DatabaseConfig, keys *crypto.KeyRing) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if err := runMigrations(db, ""); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}

	return &Client{db: db, keys: keys}, nil
}

// NewClientFromDSN opens a connection pool against an arbitrary DSN and
// runs migrations scoped to schema (empty means the database default
// search_path). Used by integration tests that isolate each run in its
// own schema.
func NewClientFromDSN(ctx context.Context, dsn, schema string, keys *crypto.KeyRing) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	if err := runMigrations(db, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return &Client{db: db, keys: keys}, nil
}

// NewClientFromDB wraps an already-open *sql.DB, useful for tests.
func NewClientFromDB(db *sql.DB, keys *crypto.KeyRing) *Client {
	return &Client{db: db, keys: keys}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// DB exposes the underlying pool for health checks.
func (c *Client) DB() *sql.DB { return c.db }

func runMigrations(db *sql.DB, schema string) error {
	sourceFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	source, err := iofs.New(sourceFS, ".")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: schema})
	if err != nil {
		return fmt.Errorf("creating postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Health reports basic database connectivity, matching the shape used
// by the HTTP health endpoint.
func Health(ctx context.Context, db *sql.DB) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return map[string]any{"reachable": false}, err
	}
	stats := db.Stats()
	return map[string]any{
		"reachable":    true,
		"open_conns":   stats.OpenConnections,
		"in_use_conns": stats.InUse,
	}, nil
}
