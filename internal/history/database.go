// Package history persists run/plugin-execution/step-metrics/estimate
// records to Postgres via pgx, and answers the analytic queries the
// estimator and CLI summary views need. Directly adapted from the
// teacher's compliance database
// (pkg/compliance/storage/postgres/database.go): pgxpool connection
// management, golang-migrate schema application, and WithRetry's deadlock/
// serialization-failure backoff are kept
// nearly structurally identical, generalized from compliance audit
// records to run history records.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/adamryczkowski/updateall/internal/errs"
	"github.com/adamryczkowski/updateall/internal/logging"
)

// Config configures the history store's database connection.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// Store provides Postgres-backed persistence for run history.
type Store struct {
	pool   *pgxpool.Pool
	config *Config
	log    *logging.Logger
}

// Open creates a connection pool, pings it, and returns a Store. Call
// Migrate separately so callers can control when schema changes apply.
func Open(ctx context.Context, cfg *Config, log *logging.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("history config is required")
	}
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("history connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://internal/history/migrations"
	}
	if log == nil {
		log = logging.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse history connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create history connection pool: %v", errs.ErrTransientIO, err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping history database: %v", errs.ErrTransientIO, err)
	}

	return &Store{pool: pool, config: cfg, log: log.WithComponent("history.store")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies every pending migration under config.MigrationsPath.
func (s *Store) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply history migrations: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the pool for callers (e.g. the bleve indexer rebuild job)
// that need raw query access beyond this package's repository methods.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// BeginTx starts a read-committed transaction, the isolation level every
// write in this package uses.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

// WithRetry runs fn up to 3 times with exponential backoff between
// attempts while the error looks like a transient deadlock or
// serialization failure, and wraps the last error in errs.ErrTransientIO
// once every attempt has failed — the same retry budget and
// classification the teacher's compliance database uses for write
// contention.
func (s *Store) WithRetry(ctx context.Context, fn func(context.Context) error) error {
	const maxRetries = 3
	const baseDelay = 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
		if attempt == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: history operation failed after %d attempts: %v", errs.ErrTransientIO, maxRetries, lastErr)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "lock not available")
}
