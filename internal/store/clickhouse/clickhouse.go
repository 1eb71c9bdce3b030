// Package clickhouse runs relational plans against the ClickHouse flow store.
package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

const storeName = "clickhouse"

const (
	defaultDialTimeout      = 5 * time.Second
	defaultMaxExecutionTime = 60
	defaultMaxOpenConns     = 10
)

type Config struct {
	Logger   *slog.Logger
	Addr     []string
	Database string
	Username string
	Password string

	DialTimeout time.Duration
	// MaxExecutionTime is the server-side statement limit in seconds.
	MaxExecutionTime int
	MaxOpenConns     int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Addr) == 0 {
		return errors.New("at least one address is required")
	}
	if c.Database == "" {
		c.Database = "default"
	}
	if c.Username == "" {
		c.Username = "default"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxExecutionTime == 0 {
		c.MaxExecutionTime = defaultMaxExecutionTime
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	return nil
}

// Conn is the subset of driver.Conn the store uses.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

type Store struct {
	log  *slog.Logger
	conn Conn
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clickhouse config: %w", err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": cfg.MaxExecutionTime,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	cfg.Logger.Info("ClickHouse client initialized", "addr", cfg.Addr, "database", cfg.Database)
	return NewWithConn(cfg.Logger, conn), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(log *slog.Logger, conn Conn) *Store {
	return &Store{log: log, conn: conn}
}

// Query runs one statement. The tenant is sent as the quota key so per-tenant quotas and
// row policies keyed on it apply.
func (s *Store) Query(ctx context.Context, sc scope.Scope, query string, args ...any) (*store.Result, error) {
	if sc.Tenant != "" {
		ctx = clickhouse.Context(ctx, clickhouse.WithQuotaKey(sc.String()))
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap(storeName, "query", err)
	}
	defer rows.Close()

	types := rows.ColumnTypes()
	res := &store.Result{Columns: rows.Columns()}
	for rows.Next() {
		dest := make([]any, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, store.Wrap(storeName, "scan", err)
		}
		row := make([]any, len(dest))
		for i, d := range dest {
			row[i] = deref(reflect.ValueOf(d).Elem())
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(storeName, "query", err)
	}

	s.log.Debug("clickhouse query", "scope", sc.String(), "rows", len(res.Rows))
	return res, nil
}

// deref unwraps the pointers Nullable columns scan into.
func deref(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap(storeName, "ping", s.conn.Ping(ctx))
}

func (s *Store) Close() error {
	return s.conn.Close()
}
