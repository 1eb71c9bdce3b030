package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/graph"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

var (
	testNow   = time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	testScope = scope.Scope{Tenant: "acme"}
)

type call struct {
	scope scope.Scope
	query string
	args  []any
}

type fakeQuerier struct {
	result *store.Result
	err    error
	block  bool
	calls  []call
}

func (f *fakeQuerier) Query(ctx context.Context, sc scope.Scope, query string, args ...any) (*store.Result, error) {
	f.calls = append(f.calls, call{scope: sc, query: query, args: args})
	if f.block {
		<-ctx.Done()
		return nil, store.Wrap("postgres", "query", ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	// Hand out a copy; the engine trims and reverses rows in place.
	rows := make([][]any, len(f.result.Rows))
	copy(rows, f.result.Rows)
	return &store.Result{Columns: f.result.Columns, Rows: rows}, nil
}

type fakeCypher struct {
	result *store.Result
	query  string
	limit  int
}

func (f *fakeCypher) RunCypher(_ context.Context, _ scope.Scope, query string, _ map[string]any, limit int) (*store.Result, error) {
	f.query, f.limit = query, limit
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	p, err := planner.New(planner.Config{Catalog: cat, Clock: clockwork.NewFakeClockAt(testNow)})
	require.NoError(t, err)
	cfg.Logger = testLogger()
	cfg.Planner = p
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func ts(minutesAgo int) time.Time {
	return testNow.Add(-time.Duration(minutesAgo) * time.Minute)
}

func pollerRows(n int) *store.Result {
	res := &store.Result{Columns: []string{"poller_id", "last_seen", "status"}}
	for i := 1; i <= n; i++ {
		res.Rows = append(res.Rows, []any{"p" + string(rune('0'+i)), ts(i), "up"})
	}
	return res
}

func intPtr(n int) *int { return &n }

func TestEngine_FirstPage(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{result: pollerRows(3)}
	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: q}})

	resp, err := e.Execute(context.Background(), testScope, "in:pollers limit:2", planner.Request{})
	require.NoError(t, err)
	require.Len(t, q.calls, 1)
	require.Equal(t, testScope, q.calls[0].scope)
	require.Contains(t, q.calls[0].query, `FROM "pollers"`)
	require.Contains(t, q.calls[0].query, `ORDER BY "last_seen" DESC NULLS LAST, "poller_id" DESC LIMIT 3`)

	require.Len(t, resp.Results, 2)
	require.Equal(t, "p1", resp.Results[0]["poller_id"])
	require.Equal(t, ts(1).Format(time.RFC3339Nano), resp.Results[0]["last_seen"])
	require.Equal(t, 2, resp.Pagination.Limit)
	require.Nil(t, resp.Pagination.PrevCursor, "first page has no previous page")
	require.NotNil(t, resp.Pagination.NextCursor)

	sig := cursor.Signature("pollers", "last_seen", []string{"poller_id"}, true)
	pos, err := cursor.Decode(*resp.Pagination.NextCursor, sig)
	require.NoError(t, err)
	require.Equal(t, cursor.Position{Value: ts(2), Tiebreak: []any{"p2"}, Direction: cursor.Next}, pos)
}

func TestEngine_LastPage(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{result: pollerRows(2)}
	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: q}})

	resp, err := e.Execute(context.Background(), testScope, "in:pollers", planner.Request{Limit: intPtr(2)})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	require.Nil(t, resp.Pagination.NextCursor)
	require.Nil(t, resp.Pagination.PrevCursor)
}

func TestEngine_NextAndPrevPages(t *testing.T) {
	t.Parallel()

	sig := cursor.Signature("pollers", "last_seen", []string{"poller_id"}, true)
	next, err := cursor.Encode(cursor.Position{Value: ts(2), Tiebreak: []any{"p2"}}, sig)
	require.NoError(t, err)

	q := &fakeQuerier{result: &store.Result{
		Columns: []string{"poller_id", "last_seen", "status"},
		Rows: [][]any{
			{"p3", ts(3), "up"},
			{"p4", ts(4), "up"},
		},
	}}
	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: q}})

	resp, err := e.Execute(context.Background(), testScope, "in:pollers", planner.Request{Limit: intPtr(2), Cursor: next})
	require.NoError(t, err)
	require.Contains(t, q.calls[0].query, `(("last_seen", "poller_id") < ($1, $2) OR "last_seen" IS NULL)`)
	require.Equal(t, []any{ts(2), "p2"}, q.calls[0].args)
	require.Len(t, resp.Results, 2)
	require.Nil(t, resp.Pagination.NextCursor)
	require.NotNil(t, resp.Pagination.PrevCursor)

	prev, err := cursor.Decode(*resp.Pagination.PrevCursor, sig)
	require.NoError(t, err)
	require.Equal(t, cursor.Position{Value: ts(3), Tiebreak: []any{"p3"}, Direction: cursor.Prev}, prev)

	// Going back from p3 the store sees ascending order and returns the rows nearest the
	// cursor first, plus one look-ahead row.
	q.result = &store.Result{
		Columns: []string{"poller_id", "last_seen", "status"},
		Rows: [][]any{
			{"p2", ts(2), "up"},
			{"p1", ts(1), "up"},
			{"p0", ts(0), "up"},
		},
	}
	resp, err = e.Execute(context.Background(), testScope, "in:pollers", planner.Request{Limit: intPtr(2), Cursor: *resp.Pagination.PrevCursor})
	require.NoError(t, err)
	require.Contains(t, q.calls[1].query, `("last_seen", "poller_id") > ($1, $2)`)
	require.Contains(t, q.calls[1].query, `ORDER BY "last_seen" ASC NULLS FIRST, "poller_id" ASC`)
	require.Len(t, resp.Results, 2)
	require.Equal(t, "p1", resp.Results[0]["poller_id"], "rows come back in sort order")
	require.Equal(t, "p2", resp.Results[1]["poller_id"])

	require.NotNil(t, resp.Pagination.NextCursor)
	pos, err := cursor.Decode(*resp.Pagination.NextCursor, sig)
	require.NoError(t, err)
	require.Equal(t, []any{"p2"}, pos.Tiebreak)
	require.Equal(t, cursor.Next, pos.Direction)

	require.NotNil(t, resp.Pagination.PrevCursor, "the look-ahead row means more rows precede this page")
	pos, err = cursor.Decode(*resp.Pagination.PrevCursor, sig)
	require.NoError(t, err)
	require.Equal(t, []any{"p1"}, pos.Tiebreak)
}

func TestEngine_CursorFromOtherQuery(t *testing.T) {
	t.Parallel()

	tok, err := cursor.Encode(cursor.Position{Value: "x", Tiebreak: []any{"y"}}, cursor.Signature("pollers", "status", []string{"poller_id"}, false))
	require.NoError(t, err)

	q := &fakeQuerier{result: pollerRows(1)}
	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: q}})
	_, err = e.Execute(context.Background(), testScope, "in:pollers", planner.Request{Cursor: tok})
	var ce *cursor.Error
	require.ErrorAs(t, err, &ce)
	require.Empty(t, q.calls)
	require.Equal(t, "cursor_error", Outcome(err))
}

func TestEngine_Stats(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{result: &store.Result{Columns: []string{"total"}, Rows: [][]any{{int64(42)}}}}
	e := newTestEngine(t, Config{Stores: map[catalog.Store]store.Querier{catalog.StorePostgres: q}})

	resp, err := e.Execute(context.Background(), testScope, `in:devices stats:"count() as total"`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"total": int64(42)}}, resp.Results)
	require.Nil(t, resp.Pagination.NextCursor)
	require.Nil(t, resp.Pagination.PrevCursor)
}

func TestEngine_Errors(t *testing.T) {
	t.Parallel()

	boom := store.Wrap("postgres", "query", errors.New("connection reset"))
	tests := []struct {
		name    string
		query   string
		stores  map[catalog.Store]store.Querier
		outcome string
	}{
		{name: "parse", query: `in:devices hostname:"unterminated`, outcome: "parse_error"},
		{name: "unknown entity", query: `in:nope`, outcome: "plan_error"},
		{name: "unknown field", query: `in:devices nope:1`, outcome: "plan_error"},
		{
			name:    "backend",
			query:   `in:pollers`,
			stores:  map[catalog.Store]store.Querier{catalog.StorePostgres: &fakeQuerier{err: boom}},
			outcome: "backend_error",
		},
		{name: "store missing", query: `in:flows`, outcome: "backend_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(t, Config{Stores: tt.stores})
			resp, err := e.Execute(context.Background(), testScope, tt.query, planner.Request{})
			require.Error(t, err)
			require.Nil(t, resp)
			require.Equal(t, tt.outcome, Outcome(err))
		})
	}

	var pe *parser.ParseError
	e := newTestEngine(t, Config{})
	_, err := e.Execute(context.Background(), testScope, `in:devices limit:x`, planner.Request{})
	require.ErrorAs(t, err, &pe)
}

func TestEngine_QueryTimeout(t *testing.T) {
	t.Parallel()

	q := &fakeQuerier{block: true}
	e := newTestEngine(t, Config{
		Stores:       map[catalog.Store]store.Querier{catalog.StorePostgres: q},
		QueryTimeout: 10 * time.Millisecond,
	})
	_, err := e.Execute(context.Background(), testScope, "in:pollers", planner.Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "timeout", Outcome(err))
}

func neighborhoodGraph() *graph.Graph {
	g := graph.New()
	agent := g.AddNode(graph.Collector, "agent-1", nil)
	alpha := g.AddNode(graph.Device, "device-alpha", map[string]any{"last_seen": testNow})
	g.AddEdge(alpha, graph.ReportedBy, agent)
	return g
}

func TestEngine_Neighborhood(t *testing.T) {
	t.Parallel()

	r, err := neighborhood.NewResolver(neighborhood.Config{
		Logger: testLogger(),
		Source: neighborhood.StaticSource{Graph: neighborhoodGraph()},
	})
	require.NoError(t, err)
	e := newTestEngine(t, Config{Resolver: r})

	resp, err := e.Execute(context.Background(), testScope, `in:device_graph device_id:device-alpha include_topology:false`, planner.Request{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	row := resp.Results[0]
	require.Equal(t, "device", row["tier"])
	require.Equal(t, map[string]any{"id": "device-alpha", "last_seen": testNow.Format(time.RFC3339Nano)}, row["device"])
	require.Equal(t, []any{map[string]any{"id": "agent-1"}}, row["collectors"])
	require.Equal(t, []any{}, row["interfaces"])

	resp, err = e.Execute(context.Background(), testScope, `in:device_graph device_id:ghost`, planner.Request{})
	require.NoError(t, err)
	require.Empty(t, resp.Results)

	_, err = e.ResolveNeighborhood(context.Background(), testScope, "ghost", neighborhood.DefaultOptions())
	require.ErrorIs(t, err, neighborhood.ErrNotFound)
	require.Equal(t, "not_found", Outcome(err))
}

func TestEngine_Cypher(t *testing.T) {
	t.Parallel()

	c := &fakeCypher{result: &store.Result{
		Columns: []string{"id"},
		Rows:    [][]any{{"a"}, {"b"}, {"c"}},
	}}
	e := newTestEngine(t, Config{Cypher: c})

	resp, err := e.Execute(context.Background(), testScope, `in:graph_cypher cypher:"MATCH (d:Device) RETURN d.id AS id" limit:2`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, "MATCH (d:Device) RETURN d.id AS id", c.query)
	require.Equal(t, 2, c.limit, "the runner stops reading at the limit")
	require.Equal(t, []map[string]any{{"id": "a"}, {"id": "b"}}, resp.Results)

	_, err = e.Execute(context.Background(), testScope, `in:graph_cypher cypher:"MATCH (d) DETACH DELETE d"`, planner.Request{})
	var le *planner.PlanError
	require.ErrorAs(t, err, &le)
	require.Contains(t, le.Reason, "read-only")
}

func TestEngine_Translate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})

	tr, err := e.Translate(testScope, `in:pollers poller_id:"x" sort:last_seen:desc limit:100`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, "relational", tr.Kind)
	require.Equal(t, "pollers", tr.Entity)
	require.Equal(t, "postgres", tr.Store)
	require.Contains(t, tr.Query, `WHERE "poller_id" ILIKE $1 ORDER BY "last_seen" DESC NULLS LAST, "poller_id" DESC LIMIT 101`)
	require.Equal(t, []any{"%x%"}, tr.Params)
	require.Contains(t, tr.Display, `"poller_id" ILIKE '%x%'`)
	require.NotEmpty(t, tr.Columns)

	tr, err = e.Translate(testScope, `in:pollers poller_id:"50%"`, planner.Request{})
	require.NoError(t, err)
	require.Contains(t, tr.Query, `WHERE "poller_id" ILIKE $1`)
	require.Equal(t, []any{`%50\%%`}, tr.Params, "quoted percent matches literally")

	tr, err = e.Translate(testScope, `in:pollers poller_id:50%`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, []any{"50%"}, tr.Params, "unquoted percent is a pattern")

	tr, err = e.Translate(testScope, `in:flows time:last_1h`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, "clickhouse", tr.Store)
	require.Contains(t, tr.Query, "`time_received_ns` >= ?")

	tr, err = e.Translate(testScope, `in:device_graph device_id:dev-1`, planner.Request{})
	require.NoError(t, err)
	require.Equal(t, "neighborhood", tr.Kind)
	require.Equal(t, []any{"dev-1", false, true}, tr.Params)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "logger")

	cfg = Config{Logger: testLogger()}
	require.ErrorContains(t, cfg.Validate(), "planner")
}
