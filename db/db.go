// Package db implements the PostgreSQL persistence layer: account
// credentials, mailbox and message metadata, and the authentication audit
// trail. Message bodies live in S3; only their metadata is kept here.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Database struct {
	Pool *pgxpool.Pool

	queryTimeout time.Duration
}

// New connects to PostgreSQL, applies pending migrations and returns the
// database handle.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.LogQueries {
		poolCfg.ConnConfig.Tracer = &queryTracer{}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil && lifetime > 0 {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := cfg.GetMaxConnIdleTime(); err == nil && idle > 0 {
		poolCfg.MaxConnIdleTime = idle
	}

	logger.Info("connecting to database",
		"host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "sslmode", sslMode)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		pool.Close()
		return nil, err
	}

	db := &Database{Pool: pool, queryTimeout: queryTimeout}
	if err := db.migrate(connString); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return db, nil
}

func (db *Database) migrate(connString string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "pgx5://"+connString[len("postgres://"):])
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// withTimeout applies the configured query timeout unless the caller's
// context already carries an earlier deadline.
func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// BeginTx starts a write transaction.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.Pool.Begin(ctx)
}

func (db *Database) timedQueryRow(ctx context.Context, operation, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	return row
}

func (db *Database) timedQuery(ctx context.Context, operation, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, operation, sql string, args ...any) error {
	start := time.Now()
	_, err := db.Pool.Exec(ctx, sql, args...)
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(operation, "failure").Inc()
	} else {
		metrics.DBQueriesTotal.WithLabelValues(operation, "success").Inc()
	}
	return err
}
