// Package postgres implements the Postgres-backed Task Model save path
// (C9) of spec.md §4.8 / SPEC_FULL.md §4.8, grounded directly on the
// teacher's pkg/compliance/storage/postgres package: a pgxpool.Pool
// wrapped in a small struct, golang-migrate/migrate/v4 applied from a
// file-source directory via database/sql + lib/pq, and one method per
// query rather than a generic ORM layer.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

// DatabaseConfig configures the connection pool and migration source.
type DatabaseConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
	ListenChannel    string
}

// Store is the Postgres-backed taskmodel.Storage implementation.
type Store struct {
	pool     *pgxpool.Pool
	config   *DatabaseConfig
	workRoot string
}

// New opens a connection pool and verifies connectivity. workRoot is
// stamped onto every loaded Task via Task.SetWorkRoot (spec.md §3
// invariant 6: WorkingDirectory is a pure function of the configured
// root, never persisted alongside the row).
func New(ctx context.Context, cfg *DatabaseConfig, workRoot string) (*Store, error) {
	if cfg == nil || cfg.ConnectionString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MigrationsPath == "" {
		cfg.MigrationsPath = "file://internal/store/postgres/migrations"
	}
	if cfg.ListenChannel == "" {
		cfg.ListenChannel = "balsam_task_events"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool, config: cfg, workRoot: workRoot}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// MigrateToLatest applies every pending migration under
// config.MigrationsPath (SPEC_FULL.md §4.8).
func (s *Store) MigrateToLatest() error {
	migrationDB, err := sql.Open("postgres", s.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("postgres: open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(s.config.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: new migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
