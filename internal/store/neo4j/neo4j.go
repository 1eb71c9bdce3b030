// Package neo4j serves graph entities: neighborhood candidate subgraphs and read-only Cypher
// passthrough. Each tenant maps to its own database.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

const storeName = "neo4j"

type Config struct {
	Logger   *slog.Logger
	URI      string
	Username string
	Password string
	// Database serves the default tenant.
	Database string
	// DatabasePrefix is prepended to a tenant to name its database.
	DatabasePrefix string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URI == "" {
		return errors.New("uri is required")
	}
	if c.Username == "" {
		c.Username = "neo4j"
	}
	if c.Database == "" {
		c.Database = "neo4j"
	}
	if c.DatabasePrefix == "" {
		c.DatabasePrefix = "tenant-"
	}
	return nil
}

// runner executes one read transaction and returns its keys and at most limit records. A limit
// of zero reads every record.
type runner interface {
	read(ctx context.Context, database, query string, params map[string]any, limit int) ([]string, []*neo4j.Record, error)
	write(ctx context.Context, database, query string) error
	ping(ctx context.Context) error
	close(ctx context.Context) error
}

type Store struct {
	log      *slog.Logger
	run      runner
	database string
	prefix   string
}

// New connects the driver and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid neo4j config: %w", err)
	}

	drv, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := drv.VerifyConnectivity(ctx); err != nil {
		_ = drv.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	cfg.Logger.Info("neo4j driver initialized", "uri", cfg.URI, "database", cfg.Database)
	return newStore(cfg, &driverRunner{driver: drv}), nil
}

func newStore(cfg Config, r runner) *Store {
	return &Store{log: cfg.Logger, run: r, database: cfg.Database, prefix: cfg.DatabasePrefix}
}

// DatabaseFor returns the database holding the scope's graph.
func (s *Store) DatabaseFor(sc scope.Scope) string {
	if sc.Tenant == "" {
		return s.database
	}
	return s.prefix + strings.ToLower(sc.Tenant)
}

// RunCypher executes a read-only statement and returns plain values from at most limit records.
func (s *Store) RunCypher(ctx context.Context, sc scope.Scope, query string, params map[string]any, limit int) (*store.Result, error) {
	keys, records, err := s.run.read(ctx, s.DatabaseFor(sc), query, params, limit)
	if err != nil {
		return nil, store.Wrap(storeName, "cypher", err)
	}
	res := &store.Result{Columns: keys, Rows: make([][]any, 0, len(records))}
	for _, rec := range records {
		row := make([]any, len(rec.Values))
		for i, v := range rec.Values {
			row[i] = convertValue(v)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap(storeName, "ping", s.run.ping(ctx))
}

func (s *Store) Close(ctx context.Context) error {
	return s.run.close(ctx)
}

// convertValue turns driver graph and temporal types into plain Go values. Nodes and
// relationships become their property maps.
func convertValue(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case neo4j.Node:
		return convertProps(v.Props)
	case neo4j.Relationship:
		props := convertProps(v.Props)
		props["type"] = v.Type
		return props
	case neo4j.Path:
		nodes := make([]any, len(v.Nodes))
		for i, n := range v.Nodes {
			nodes[i] = convertValue(n)
		}
		rels := make([]any, len(v.Relationships))
		for i, r := range v.Relationships {
			rels[i] = convertValue(r)
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case neo4j.Date:
		return v.Time()
	case neo4j.LocalDateTime:
		return v.Time()
	case neo4j.LocalTime:
		return v.Time().Format("15:04:05.999999999")
	case neo4j.Time:
		return v.Time().Format("15:04:05.999999999Z07:00")
	case neo4j.Duration:
		return v.String()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = convertValue(item)
		}
		return out
	case map[string]any:
		return convertProps(v)
	default:
		return v
	}
}

func convertProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = convertValue(v)
	}
	return out
}

type driverRunner struct {
	driver neo4j.DriverWithContext
}

func (r *driverRunner) read(ctx context.Context, database, query string, params map[string]any, limit int) ([]string, []*neo4j.Record, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer session.Close(ctx)

	type collected struct {
		keys    []string
		records []*neo4j.Record
	}
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		keys, err := res.Keys()
		if err != nil {
			return nil, err
		}
		var records []*neo4j.Record
		for res.Next(ctx) {
			records = append(records, res.Record())
			if limit > 0 && len(records) == limit {
				break
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		// Discard whatever the server has not streamed yet.
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return collected{keys: keys, records: records}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	c := out.(collected)
	return c.keys, c.records, nil
}

func (r *driverRunner) write(ctx context.Context, database, query string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (r *driverRunner) ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

func (r *driverRunner) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return r.driver.Close(ctx)
}
