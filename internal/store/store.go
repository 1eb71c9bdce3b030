// Package store defines the narrow query surface the engine needs from a backend. The
// postgres, clickhouse and neo4j subpackages implement it.
package store

import (
	"context"
	"fmt"

	"github.com/carverauto/serviceradar/srql/internal/scope"
)

// Result is a raw result set. Values are whatever the driver returned; the engine normalizes
// them before they leave the process.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Querier executes one parameterized statement under a scope.
type Querier interface {
	Query(ctx context.Context, sc scope.Scope, query string, args ...any) (*Result, error)
}

// CypherRunner executes a read-only Cypher statement under a scope. A positive limit stops
// reading records once that many rows are in hand.
type CypherRunner interface {
	RunCypher(ctx context.Context, sc scope.Scope, query string, params map[string]any, limit int) (*Result, error)
}

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackendError wraps a failure reported by a store.
type BackendError struct {
	Store string
	Op    string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Store, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Wrap returns err as a BackendError, or nil when err is nil.
func Wrap(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Store: store, Op: op, Err: err}
}
