// Package postgres runs relational plans against Postgres/Timescale through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

const storeName = "postgres"

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute
	defaultSchemaPrefix    = "tenant_"
)

type Config struct {
	Logger *slog.Logger
	DSN    string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SchemaPrefix is prepended to the tenant to name its schema.
	SchemaPrefix string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.MaxConns == 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = defaultMinConns
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min conns %d exceeds max conns %d", c.MinConns, c.MaxConns)
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = defaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = defaultMaxConnIdleTime
	}
	if c.SchemaPrefix == "" {
		c.SchemaPrefix = defaultSchemaPrefix
	}
	return nil
}

type Store struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	prefix string
}

// New opens a pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("postgres pool initialized",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", cfg.MaxConns)

	return &Store{log: cfg.Logger, pool: pool, prefix: cfg.SchemaPrefix}, nil
}

// SchemaFor returns the schema holding a tenant's tables, or "" for the default tenant.
func SchemaFor(prefix string, sc scope.Scope) string {
	if sc.Tenant == "" {
		return ""
	}
	return prefix + sc.Tenant
}

// Query runs one statement in a read-only transaction with the scope's search_path applied.
func (s *Store) Query(ctx context.Context, sc scope.Scope, query string, args ...any) (*store.Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, store.Wrap(storeName, "begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := applyScope(ctx, tx, s.prefix, sc); err != nil {
		return nil, store.Wrap(storeName, "scope", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap(storeName, "query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &store.Result{Columns: make([]string, len(fields))}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, store.Wrap(storeName, "scan", err)
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(storeName, "query", err)
	}

	s.log.Debug("postgres query", "scope", sc.String(), "rows", len(res.Rows))
	return res, nil
}

func applyScope(ctx context.Context, tx pgx.Tx, prefix string, sc scope.Scope) error {
	if schema := SchemaFor(prefix, sc); schema != "" {
		stmt := fmt.Sprintf("SET LOCAL search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set search_path: %w", err)
		}
	}
	if sc.Partition != "" {
		if _, err := tx.Exec(ctx, "SELECT set_config('srql.partition', $1, true)", sc.Partition); err != nil {
			return fmt.Errorf("failed to set partition: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap(storeName, "ping", s.pool.Ping(ctx))
}

func (s *Store) Close() {
	s.pool.Close()
}
