package neo4j

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

type fakeRunner struct {
	keys    []string
	records []*neo4j.Record
	err     error

	writeErr error

	gotDatabase string
	gotQuery    string
	gotParams   map[string]any
	gotLimit    int
	writes      []string
}

func (f *fakeRunner) read(_ context.Context, database, query string, params map[string]any, limit int) ([]string, []*neo4j.Record, error) {
	f.gotDatabase = database
	f.gotQuery = query
	f.gotParams = params
	f.gotLimit = limit
	records := f.records
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return f.keys, records, f.err
}

func (f *fakeRunner) write(_ context.Context, _ string, query string) error {
	f.writes = append(f.writes, query)
	return f.writeErr
}

func (f *fakeRunner) ping(context.Context) error  { return nil }
func (f *fakeRunner) close(context.Context) error { return nil }

func newTestStore(t *testing.T, r runner) *Store {
	t.Helper()
	cfg := Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), URI: "bolt://localhost:7687"}
	require.NoError(t, cfg.Validate())
	return newStore(cfg, r)
}

func node(element string, label string, id string, props map[string]any) neo4j.Node {
	p := map[string]any{"id": id}
	for k, v := range props {
		p[k] = v
	}
	return neo4j.Node{ElementId: element, Labels: []string{label}, Props: p}
}

func rel(from neo4j.Node, typ string, to neo4j.Node) neo4j.Relationship {
	return neo4j.Relationship{
		ElementId:      from.ElementId + ">" + to.ElementId,
		StartElementId: from.ElementId,
		EndElementId:   to.ElementId,
		Type:           typ,
	}
}

func pathRecord(nodes []neo4j.Node, rels ...neo4j.Relationship) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"p"}, Values: []any{neo4j.Path{Nodes: nodes, Relationships: rels}}}
}

func TestStore_DatabaseFor(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &fakeRunner{})
	require.Equal(t, "neo4j", s.DatabaseFor(scope.Scope{}))
	require.Equal(t, "tenant-acme", s.DatabaseFor(scope.Scope{Tenant: "Acme"}))
}

func TestStore_FetchDeviceTier(t *testing.T) {
	t.Parallel()

	alpha := node("4:a", "Device", "device-alpha", map[string]any{"hostname": "alpha"})
	agent := node("4:b", "Collector", "agent-1", nil)
	poller := node("4:c", "Collector", "poller-1", nil)
	eth0 := node("4:d", "Interface", "eth0", nil)
	ssh := node("4:e", "Service", "ssh@agent-1", nil)
	unknown := node("4:f", "Widget", "w1", nil)

	r := &fakeRunner{records: []*neo4j.Record{
		pathRecord([]neo4j.Node{alpha}),
		pathRecord([]neo4j.Node{alpha, agent}, rel(alpha, "REPORTED_BY", agent)),
		pathRecord([]neo4j.Node{alpha, agent, poller},
			rel(alpha, "REPORTED_BY", agent), rel(agent, "REPORTED_BY", poller)),
		pathRecord([]neo4j.Node{alpha, eth0}, rel(alpha, "HAS_INTERFACE", eth0)),
		pathRecord([]neo4j.Node{alpha, agent, ssh, alpha},
			rel(alpha, "REPORTED_BY", agent), rel(agent, "HOSTS_SERVICE", ssh), rel(ssh, "TARGETS", alpha)),
		pathRecord([]neo4j.Node{alpha, unknown}, rel(alpha, "HAS_INTERFACE", unknown)),
	}}
	s := newTestStore(t, r)

	resolver, err := neighborhood.NewResolver(neighborhood.Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Strategies: []neighborhood.Strategy{neighborhood.DeviceStrategy(s)},
	})
	require.NoError(t, err)

	doc, err := resolver.Resolve(context.Background(), scope.Scope{Tenant: "acme"}, "device-alpha", neighborhood.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "tenant-acme", r.gotDatabase)
	require.Equal(t, "device-alpha", r.gotParams["seed"])
	require.Equal(t, tierQueries[neighborhood.TierDevice], r.gotQuery)

	require.Equal(t, "alpha", doc.Device["hostname"])
	require.Len(t, doc.Interfaces, 1)
	require.Equal(t, "eth0", doc.Interfaces[0]["id"])
	require.Len(t, doc.Collectors, 2)
	require.Equal(t, "agent-1", doc.Collectors[0]["id"])
	require.Equal(t, "poller-1", doc.Collectors[1]["id"])
	require.Len(t, doc.Services, 1)
	require.True(t, doc.Services[0].CollectorOwned)
}

func TestStore_FetchMissingSeed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, &fakeRunner{})
	g, err := s.Fetch(context.Background(), scope.Scope{}, neighborhood.TierCollector, "nope")
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestStore_FetchBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	s := newTestStore(t, &fakeRunner{err: boom})
	_, err := s.Fetch(context.Background(), scope.Scope{}, neighborhood.TierService, "svc")
	var be *store.BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "neo4j", be.Store)
	require.ErrorIs(t, err, boom)
}

func TestStore_RunCypher(t *testing.T) {
	t.Parallel()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	r := &fakeRunner{
		keys: []string{"d", "n", "when"},
		records: []*neo4j.Record{{
			Keys: []string{"d", "n", "when"},
			Values: []any{
				node("4:a", "Device", "device-alpha", map[string]any{"ip": "10.0.0.1"}),
				int64(3),
				neo4j.DateOf(day),
			},
		}},
	}
	s := newTestStore(t, r)

	res, err := s.RunCypher(context.Background(), scope.Scope{}, "MATCH (d:Device) RETURN d, 3 AS n, date() AS when", nil, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"d", "n", "when"}, res.Columns)
	require.Len(t, res.Rows, 1)
	require.Equal(t, map[string]any{"id": "device-alpha", "ip": "10.0.0.1"}, res.Rows[0][0])
	require.Equal(t, int64(3), res.Rows[0][1])
	when, ok := res.Rows[0][2].(time.Time)
	require.True(t, ok)
	require.Equal(t, "2025-03-10", when.Format(time.DateOnly))
	require.Equal(t, "neo4j", r.gotDatabase)
	require.Equal(t, 10, r.gotLimit)
}

func TestStore_RunCypherStopsAtLimit(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{keys: []string{"n"}}
	for i := range 5 {
		r.records = append(r.records, &neo4j.Record{Keys: []string{"n"}, Values: []any{int64(i)}})
	}
	s := newTestStore(t, r)

	res, err := s.RunCypher(context.Background(), scope.Scope{}, "UNWIND range(0, 4) AS n RETURN n", nil, 2)
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(0)}, {int64(1)}}, res.Rows)

	r.records = nil
	_, err = s.Fetch(context.Background(), scope.Scope{}, neighborhood.TierService, "svc")
	require.NoError(t, err)
	require.Zero(t, r.gotLimit, "neighborhood fetches read the whole subgraph")
}

func TestConvertValue(t *testing.T) {
	t.Parallel()

	a := node("1", "Device", "a", nil)
	b := node("2", "Device", "b", nil)
	path := neo4j.Path{
		Nodes:         []neo4j.Node{a, b},
		Relationships: []neo4j.Relationship{{StartElementId: "1", EndElementId: "2", Type: "CONNECTS_TO", Props: map[string]any{"speed": int64(10)}}},
	}
	require.Equal(t, map[string]any{
		"nodes":         []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
		"relationships": []any{map[string]any{"type": "CONNECTS_TO", "speed": int64(10)}},
	}, convertValue(path))
	require.Equal(t, []any{"x", nil}, convertValue([]any{"x", nil}))
	require.IsType(t, "", convertValue(neo4j.DurationOf(0, 0, 3600, 0)))
}

func TestStore_Bootstrap(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	s := newTestStore(t, r)
	s.Bootstrap(context.Background(), scope.Scope{})
	require.Len(t, r.writes, len(nodeKinds))
	require.Contains(t, r.writes[0], "CREATE CONSTRAINT device_id IF NOT EXISTS FOR (n:Device)")

	r = &fakeRunner{writeErr: &neo4j.Neo4jError{Code: "Neo.ClientError.Security.Forbidden", Msg: "denied"}}
	s = newTestStore(t, r)
	s.Bootstrap(context.Background(), scope.Scope{})
	require.Len(t, r.writes, 1, "privilege errors stop the bootstrap quietly")

	r = &fakeRunner{writeErr: errors.New("timeout")}
	s = newTestStore(t, r)
	s.Bootstrap(context.Background(), scope.Scope{})
	require.Len(t, r.writes, len(nodeKinds))
}
