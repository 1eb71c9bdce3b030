// Package engine ties parsing, planning, execution and result shaping together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/metrics"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/sqlgen"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

const DefaultQueryTimeout = 30 * time.Second

// Resolver resolves device_graph neighborhoods.
type Resolver interface {
	Resolve(ctx context.Context, sc scope.Scope, seed string, opts neighborhood.Options) (*neighborhood.Document, error)
}

type Config struct {
	Logger  *slog.Logger
	Planner *planner.Planner

	// Stores maps each relational store to its querier. Entities on a missing store fail
	// with a backend error.
	Stores   map[catalog.Store]store.Querier
	Cypher   store.CypherRunner
	Resolver Resolver

	QueryTimeout time.Duration

	// ParseCacheSize bounds the parsed query cache. Negative disables it.
	ParseCacheSize int
	ParseCacheTTL  time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Planner == nil {
		return errors.New("planner is required")
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must not be negative, got %s", c.QueryTimeout)
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.ParseCacheSize == 0 {
		c.ParseCacheSize = DefaultParseCacheSize
	}
	if c.ParseCacheTTL <= 0 {
		c.ParseCacheTTL = DefaultParseCacheTTL
	}
	return nil
}

// Pagination carries the cursors around a page. Nil cursors encode as JSON null.
type Pagination struct {
	PrevCursor *string `json:"prev_cursor"`
	NextCursor *string `json:"next_cursor"`
	Limit      int     `json:"limit"`
}

// Response is the result envelope of one query.
type Response struct {
	Results    []map[string]any `json:"results"`
	Pagination Pagination       `json:"pagination"`
}

// Translation is a plan rendered without executing it.
type Translation struct {
	Kind    string           `json:"kind"`
	Entity  string           `json:"entity"`
	Store   string           `json:"store"`
	Query   string           `json:"query"`
	Params  []any            `json:"params"`
	Display string           `json:"display"`
	Columns []planner.Column `json:"columns,omitempty"`
}

var errNoStore = errors.New("store not configured")

type Engine struct {
	log        *slog.Logger
	cfg        Config
	normalizer *Normalizer
	builders   map[catalog.Store]*sqlgen.Builder
	parsed     *parseCache
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	var parsed *parseCache
	if cfg.ParseCacheSize > 0 {
		parsed = newParseCache(uint64(cfg.ParseCacheSize), cfg.ParseCacheTTL)
	}
	return &Engine{
		log:        cfg.Logger,
		parsed:     parsed,
		cfg:        cfg,
		normalizer: NewNormalizer(cfg.Logger),
		builders: map[catalog.Store]*sqlgen.Builder{
			catalog.StorePostgres:   sqlgen.New(sqlgen.Postgres),
			catalog.StoreClickHouse: sqlgen.New(sqlgen.ClickHouse),
		},
	}, nil
}

// Execute parses, plans and runs one query.
func (e *Engine) Execute(ctx context.Context, sc scope.Scope, text string, req planner.Request) (*Response, error) {
	start := time.Now()
	entity, kind := "unknown", "unknown"

	resp, err := func() (*Response, error) {
		plan, err := e.plan(sc, text, req)
		if err != nil {
			return nil, err
		}
		entity, kind = plan.Entity.Name, plan.Kind.String()

		ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()

		switch plan.Kind {
		case planner.KindNeighborhood:
			return e.executeNeighborhood(ctx, plan)
		case planner.KindCypher:
			return e.executeCypher(ctx, plan)
		default:
			return e.executeRelational(ctx, plan)
		}
	}()

	metrics.QueriesTotal.WithLabelValues(entity, kind, Outcome(err)).Inc()
	metrics.QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	var be *store.BackendError
	if errors.As(err, &be) {
		metrics.BackendErrors.WithLabelValues(be.Store).Inc()
	}
	if err != nil {
		e.log.Debug("query failed", "entity", entity, "kind", kind, "scope", sc.String(), "error", err)
		return nil, err
	}
	e.log.Debug("query executed", "entity", entity, "kind", kind, "scope", sc.String(),
		"rows", len(resp.Results), "duration", time.Since(start))
	return resp, nil
}

func (e *Engine) plan(sc scope.Scope, text string, req planner.Request) (*planner.Plan, error) {
	var (
		q   *parser.Query
		err error
	)
	if e.parsed != nil {
		q, err = e.parsed.parse(text)
	} else {
		q, err = parser.Parse(text)
	}
	if err != nil {
		return nil, err
	}
	return e.cfg.Planner.Plan(sc, q, req)
}

func (e *Engine) executeRelational(ctx context.Context, plan *planner.Plan) (*Response, error) {
	rp := plan.Relational
	stmt, err := e.build(plan)
	if err != nil {
		return nil, err
	}
	q, ok := e.cfg.Stores[plan.Store()]
	if !ok {
		return nil, store.Wrap(string(plan.Store()), "query", errNoStore)
	}
	res, err := q.Query(ctx, plan.Scope, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap(string(plan.Store()), "query", err)
	}

	if !rp.Paginated() {
		return &Response{
			Results:    e.normalizer.Normalize(plan.Entity.Name, res),
			Pagination: Pagination{Limit: rp.Limit},
		}, nil
	}

	page, err := paginate(rp, res)
	if err != nil {
		return nil, err
	}
	page.Results = e.normalizer.Normalize(plan.Entity.Name, res)
	return page, nil
}

// paginate trims the look-ahead row, restores sort order for backward pages and mints cursors
// from the raw boundary rows. res is modified in place.
func paginate(rp *planner.RelationalPlan, res *store.Result) (*Response, error) {
	hasMore := len(res.Rows) > rp.Limit
	if hasMore {
		res.Rows = res.Rows[:rp.Limit]
	}
	if rp.Reverse {
		slices.Reverse(res.Rows)
	}

	page := &Response{Pagination: Pagination{Limit: rp.Limit}}
	if len(res.Rows) == 0 {
		return page, nil
	}

	sortIdx := slices.Index(res.Columns, rp.SortColumn)
	if sortIdx < 0 {
		return nil, fmt.Errorf("result is missing sort column %q", rp.SortColumn)
	}
	tieIdx := make([]int, len(rp.Tiebreak))
	for i, col := range rp.Tiebreak {
		if tieIdx[i] = slices.Index(res.Columns, col); tieIdx[i] < 0 {
			return nil, fmt.Errorf("result is missing tiebreak column %q", col)
		}
	}
	mint := func(row []any, dir cursor.Direction) (*string, error) {
		pos := cursor.Position{Value: cursorValue(row[sortIdx]), Direction: dir}
		for _, i := range tieIdx {
			pos.Tiebreak = append(pos.Tiebreak, cursorValue(row[i]))
		}
		tok, err := cursor.Encode(pos, rp.Signature)
		if err != nil {
			return nil, fmt.Errorf("failed to mint cursor: %w", err)
		}
		return &tok, nil
	}

	first, last := res.Rows[0], res.Rows[len(res.Rows)-1]
	var wantNext, wantPrev bool
	if rp.Reverse {
		wantNext = true
		wantPrev = hasMore
	} else {
		wantNext = hasMore
		wantPrev = rp.Paged
	}

	var err error
	if wantNext {
		if page.Pagination.NextCursor, err = mint(last, cursor.Next); err != nil {
			return nil, err
		}
	}
	if wantPrev {
		if page.Pagination.PrevCursor, err = mint(first, cursor.Prev); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (e *Engine) executeCypher(ctx context.Context, plan *planner.Plan) (*Response, error) {
	if e.cfg.Cypher == nil {
		return nil, store.Wrap(string(plan.Store()), "cypher", errNoStore)
	}
	res, err := e.cfg.Cypher.RunCypher(ctx, plan.Scope, plan.Cypher.Query, nil, plan.Cypher.Limit)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) > plan.Cypher.Limit {
		res.Rows = res.Rows[:plan.Cypher.Limit]
	}
	return &Response{
		Results:    e.normalizer.Normalize(plan.Entity.Name, res),
		Pagination: Pagination{Limit: plan.Cypher.Limit},
	}, nil
}

func (e *Engine) executeNeighborhood(ctx context.Context, plan *planner.Plan) (*Response, error) {
	np := plan.Neighborhood
	doc, err := e.ResolveNeighborhood(ctx, plan.Scope, np.Seed, neighborhood.Options{
		CollectorOwnedOnly: np.CollectorOwnedOnly,
		IncludeTopology:    np.IncludeTopology,
	})
	resp := &Response{Results: []map[string]any{}, Pagination: Pagination{Limit: 1}}
	if errors.Is(err, neighborhood.ErrNotFound) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	row, err := neighborhoodRow(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to shape neighborhood: %w", err)
	}
	resp.Results = append(resp.Results, row)
	return resp, nil
}

// ResolveNeighborhood runs the tier cascade for seed.
func (e *Engine) ResolveNeighborhood(ctx context.Context, sc scope.Scope, seed string, opts neighborhood.Options) (*neighborhood.Document, error) {
	if e.cfg.Resolver == nil {
		return nil, store.Wrap(string(catalog.StoreNeo4j), "neighborhood", errNoStore)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QueryTimeout)
		defer cancel()
	}
	doc, err := e.cfg.Resolver.Resolve(ctx, sc, seed, opts)
	switch {
	case errors.Is(err, neighborhood.ErrNotFound):
		metrics.NeighborhoodResolutions.WithLabelValues("none").Inc()
	case err == nil:
		metrics.NeighborhoodResolutions.WithLabelValues(doc.Tier.String()).Inc()
	}
	return doc, err
}

// Neighborhood resolves seed and shapes it like a device_graph result row.
func (e *Engine) Neighborhood(ctx context.Context, sc scope.Scope, seed string, opts neighborhood.Options) (map[string]any, error) {
	doc, err := e.ResolveNeighborhood(ctx, sc, seed, opts)
	if err != nil {
		return nil, err
	}
	row, err := neighborhoodRow(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to shape neighborhood: %w", err)
	}
	return row, nil
}

// Catalog returns the entity catalog queries are planned against.
func (e *Engine) Catalog() *catalog.Catalog { return e.cfg.Planner.Catalog() }

// Translate plans a query and renders what would run, without touching a store.
func (e *Engine) Translate(sc scope.Scope, text string, req planner.Request) (*Translation, error) {
	plan, err := e.plan(sc, text, req)
	if err != nil {
		return nil, err
	}
	t := &Translation{
		Kind:   plan.Kind.String(),
		Entity: plan.Entity.Name,
		Store:  string(plan.Store()),
		Params: []any{},
	}
	switch plan.Kind {
	case planner.KindCypher:
		t.Query = plan.Cypher.Query
		t.Display = plan.Cypher.Query
	case planner.KindNeighborhood:
		np := plan.Neighborhood
		t.Query = "neighborhood"
		t.Params = []any{np.Seed, np.CollectorOwnedOnly, np.IncludeTopology}
		t.Display = fmt.Sprintf("neighborhood(seed=%q, collector_owned_only=%t, include_topology=%t)",
			np.Seed, np.CollectorOwnedOnly, np.IncludeTopology)
	default:
		stmt, err := e.build(plan)
		if err != nil {
			return nil, err
		}
		t.Query = stmt.SQL
		t.Params = stmt.Args
		t.Display = sqlgen.FormatForDisplay(e.builders[plan.Store()].Dialect(), stmt.SQL, stmt.Args)
		t.Columns = plan.Relational.Columns
	}
	return t, nil
}

func (e *Engine) build(plan *planner.Plan) (*sqlgen.Statement, error) {
	b, ok := e.builders[plan.Store()]
	if !ok {
		return nil, fmt.Errorf("no SQL dialect for store %q", plan.Store())
	}
	stmt, err := b.Build(plan.Relational)
	if err != nil {
		return nil, fmt.Errorf("failed to build statement: %w", err)
	}
	return stmt, nil
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	var (
		pe *parser.ParseError
		le *planner.PlanError
		ce *cursor.Error
		be *store.BackendError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "parse_error"
	case errors.As(err, &le):
		return "plan_error"
	case errors.As(err, &ce):
		return "cursor_error"
	case errors.Is(err, neighborhood.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &be):
		return "backend_error"
	}
	return "error"
}
