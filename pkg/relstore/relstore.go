// Package relstore implements the warm-tier relational store client
// (component B): a bounded pgx connection pool with per-operation timeouts,
// a transaction scope helper, and error classification into the shared
// hitlerr taxonomy. pkg/review runs its multi-statement review_status
// transitions (ClaimNext, Decide) inside a transaction opened through Tx;
// its single-statement transitions (Claim, MarkDelivered, RequeuePending)
// run as plain statements.
package relstore

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrations

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection-pool configuration. Defaults satisfy §4.B's
// "bounded connection pool (min 2, max 10) with per-operation timeouts (≥
// 30 s)".
type Config struct {
	DSN             string
	MinConns        int32
	MaxConns        int32
	OperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	return c
}

// Pool wraps a pgxpool.Pool with the operation timeout and migration
// bookkeeping the rest of the pipeline depends on.
type Pool struct {
	pool    *pgxpool.Pool
	opTimeout time.Duration
}

// Open connects, configures pool bounds, runs embedded migrations, and
// returns a ready-to-use Pool.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Pool{pool: pool, opTimeout: cfg.OperationTimeout}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return p, nil
}

// NewFromPgxPool wraps a pre-constructed pool, used by tests.
func NewFromPgxPool(pool *pgxpool.Pool, opTimeout time.Duration) *Pool {
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &Pool{pool: pool, opTimeout: opTimeout}
}

func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil || len(entries) == 0 {
		return nil // no embedded migrations (e.g. schema already provisioned out-of-band)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "hitl", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return src.Close()
}

// Close releases the pool.
func (p *Pool) Close() { p.pool.Close() }

// Raw exposes the underlying pgxpool.Pool for repositories that need query
// builders beyond this package's helpers.
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// Timeout returns the configured per-operation timeout.
func (p *Pool) Timeout() time.Duration { return p.opTimeout }

// WithTimeout derives a context bounded by the pool's operation timeout.
func (p *Pool) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opTimeout)
}

// Tx runs fn inside a transaction, committing on success and rolling back on
// any error (including a panic, which is re-raised after rollback).
func (p *Pool) Tx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Classify(err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(err)
	}
	return nil
}

// Classify maps a pgx/postgres error into the shared hitlerr taxonomy per
// §4.B's failure classification: constraint violation is non-retryable,
// deadlock and connection loss are transient (caller retries via
// pkg/retry), no rows maps to ErrNotFound, and anything else not recognized
// is also classified as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23502", "23514": // unique/fk/not-null/check violation
			return hitlerr.Conflict("constraint violation: %s", pgErr.ConstraintName)
		case "40P01": // deadlock_detected
			return hitlerr.Transient("deadlock detected", err)
		case "57014": // query_canceled
			return hitlerr.Transient("query canceled (timeout)", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return hitlerr.Transient("operation timed out", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return hitlerr.ErrNotFound
	}
	// Connection loss and anything else unrecognized: treat conservatively
	// as transient so a bounded retry gets a chance, matching §4.B's
	// "connection loss (retry after reconnect up to 3 times)".
	return hitlerr.Transient("relational store operation failed", err)
}
