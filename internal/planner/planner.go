// Package planner turns a parsed query into an execution plan against one backend.
package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/parser"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

const (
	DefaultLimit    = 100
	DefaultMaxLimit = 500
)

type Config struct {
	Catalog      *catalog.Catalog
	DefaultLimit int
	MaxLimit     int
	Clock        clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.DefaultLimit == 0 {
		c.DefaultLimit = DefaultLimit
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.DefaultLimit < 0 || c.MaxLimit < 0 {
		return errors.New("limits must be positive")
	}
	if c.DefaultLimit > c.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", c.DefaultLimit, c.MaxLimit)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Planner is stateless apart from its configuration and safe for concurrent use.
type Planner struct {
	cfg Config
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid planner config: %w", err)
	}
	return &Planner{cfg: cfg}, nil
}

// Catalog returns the catalog the planner resolves entities against.
func (p *Planner) Catalog() *catalog.Catalog { return p.cfg.Catalog }

// Plan resolves q against the catalog. Request fields, when set, take precedence over the
// corresponding clauses in q.
func (p *Planner) Plan(sc scope.Scope, q *parser.Query, req Request) (*Plan, error) {
	entity, ok := p.cfg.Catalog.Lookup(q.Entity())
	if !ok {
		return nil, &PlanError{Entity: q.Entity(), Reason: "unknown entity"}
	}

	limit, err := p.limit(entity, q, req)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Scope: sc, Entity: entity}
	switch entity.View {
	case catalog.ViewNeighborhood:
		np, err := planNeighborhood(entity, q, req)
		if err != nil {
			return nil, err
		}
		plan.Kind = KindNeighborhood
		plan.Neighborhood = np
	case catalog.ViewCypher:
		cp, err := planCypher(entity, q, req, limit)
		if err != nil {
			return nil, err
		}
		plan.Kind = KindCypher
		plan.Cypher = cp
	default:
		rp, err := p.planRelational(entity, q, req, limit)
		if err != nil {
			return nil, err
		}
		plan.Relational = rp
		switch {
		case rp.Rollup != nil:
			plan.Kind = KindRollup
		case rp.Stats != nil:
			plan.Kind = KindStats
		default:
			plan.Kind = KindRelational
		}
	}
	return plan, nil
}

func (p *Planner) limit(entity *catalog.Entity, q *parser.Query, req Request) (int, error) {
	n := p.cfg.DefaultLimit
	if l := q.Limit(); l != nil {
		n = l.N
	}
	if req.Limit != nil {
		if *req.Limit <= 0 {
			return 0, &PlanError{Entity: entity.Name, Reason: "limit must be a positive integer"}
		}
		n = *req.Limit
	}
	return min(n, p.cfg.MaxLimit), nil
}

func (p *Planner) planRelational(entity *catalog.Entity, q *parser.Query, req Request, limit int) (*RelationalPlan, error) {
	if q.RollupStat() != nil && q.Stats() != nil {
		return nil, &PlanError{Entity: entity.Name, Reason: "rollup_stats and stats cannot be combined"}
	}

	window, err := p.resolveWindow(entity, q)
	if err != nil {
		return nil, err
	}

	if rs := q.RollupStat(); rs != nil {
		return p.planRollup(entity, q, req, rs.Kind, window, limit)
	}

	filters := make([]Predicate, 0, len(q.Filters()))
	for _, f := range q.Filters() {
		field, ok := entity.Field(f.Field)
		if !ok {
			return nil, &PlanError{Entity: entity.Name, Field: f.Field, Reason: "unknown field"}
		}
		pred, err := buildPredicate(entity, field, f)
		if err != nil {
			return nil, err
		}
		filters = append(filters, pred)
	}

	rp := &RelationalPlan{
		Table:   entity.Table,
		Filters: filters,
		Limit:   limit,
	}
	if window != nil {
		rp.Time = &TimeBound{Column: entity.TimeField, Start: window.Start, End: window.End}
	}

	if s := q.Stats(); s != nil {
		if cursorToken(q, req) != "" {
			return nil, &PlanError{Entity: entity.Name, Reason: "stats queries do not paginate"}
		}
		sp, col, err := planStats(entity, s)
		if err != nil {
			return nil, err
		}
		rp.Stats = sp
		rp.Columns = []Column{col}
		rp.Limit = 1
		return rp, nil
	}

	rp.Columns = make([]Column, 0, len(entity.Fields))
	for _, f := range entity.Fields {
		rp.Columns = append(rp.Columns, Column{Name: f.Name, Type: f.Type})
	}

	rp.SortColumn, rp.Desc = entity.DefaultSort, entity.DefaultDesc()
	if s := q.Sort(); s != nil {
		field, ok := entity.Field(s.Field)
		if !ok {
			return nil, &PlanError{Entity: entity.Name, Field: s.Field, Reason: "unknown sort field"}
		}
		if !field.Orderable() {
			return nil, &PlanError{Entity: entity.Name, Field: s.Field, Reason: fmt.Sprintf("cannot sort on %s field", field.Type)}
		}
		rp.SortColumn, rp.Desc = field.Name, s.Direction == parser.Desc
	}
	rp.Tiebreak = entity.Tiebreak(rp.SortColumn)
	rp.Signature = cursor.Signature(entity.Name, rp.SortColumn, rp.Tiebreak, rp.Desc)

	if err := applyCursor(rp, cursorToken(q, req), req.Direction); err != nil {
		return nil, err
	}
	return rp, nil
}

func (p *Planner) resolveWindow(entity *catalog.Entity, q *parser.Query) (*parser.TimeRange, error) {
	tw := q.TimeWindow()
	if tw == nil {
		return nil, nil
	}
	if entity.TimeField == "" {
		return nil, &PlanError{Entity: entity.Name, Reason: "entity does not support time filters"}
	}
	r, err := tw.Spec.Resolve(p.cfg.Clock.Now())
	if err != nil {
		return nil, &PlanError{Entity: entity.Name, Field: entity.TimeField, Reason: err.Error()}
	}
	return &r, nil
}

func cursorToken(q *parser.Query, req Request) string {
	if req.Cursor != "" {
		return req.Cursor
	}
	if c := q.Cursor(); c != nil {
		return c.Token
	}
	return ""
}

func applyCursor(rp *RelationalPlan, token string, dir cursor.Direction) error {
	if token == "" {
		return nil
	}
	pos, err := cursor.Decode(token, rp.Signature)
	if err != nil {
		return err
	}
	if len(pos.Tiebreak) != len(rp.Tiebreak) {
		return &cursor.Error{Reason: fmt.Sprintf("cursor carries %d tiebreak values, want %d", len(pos.Tiebreak), len(rp.Tiebreak))}
	}
	if pos.Value == nil && len(rp.Tiebreak) == 0 {
		return &cursor.Error{Reason: "cursor has no sort value"}
	}
	if dir != "" {
		pos.Direction = dir
	}
	rp.Paged = true
	rp.Reverse = pos.Direction == cursor.Prev
	rp.Seek = &Seek{Value: pos.Value, Tiebreak: pos.Tiebreak}
	return nil
}

var rangeOps = map[parser.Op]PredicateOp{
	parser.OpGt:  PredGt,
	parser.OpGte: PredGte,
	parser.OpLt:  PredLt,
	parser.OpLte: PredLte,
}

func buildPredicate(entity *catalog.Entity, field *catalog.Field, f parser.Filter) (Predicate, error) {
	perr := func(format string, args ...any) error {
		return &PlanError{Entity: entity.Name, Field: f.Field, Reason: fmt.Sprintf(format, args...)}
	}
	if field.Type == catalog.TypeJSON {
		return Predicate{}, perr("json fields cannot be filtered")
	}

	pred := Predicate{Column: field.Name, Negated: f.Negated}
	switch {
	case f.Op == parser.OpIn:
		pred.Op = PredIn
		if field.Type == catalog.TypeTextArray {
			pred.Op = PredHasAny
		}
		for _, raw := range f.Values {
			v, err := coerce(field, raw)
			if err != nil {
				return Predicate{}, perr("%v", err)
			}
			pred.Values = append(pred.Values, v)
		}

	case f.Op.IsRange():
		if !field.IsNumeric() && field.Type != catalog.TypeTimestamp {
			return Predicate{}, perr("range comparison requires a numeric or timestamp field")
		}
		v, err := coerce(field, f.Value())
		if err != nil {
			return Predicate{}, perr("%v", err)
		}
		pred.Op = rangeOps[f.Op]
		pred.Values = []any{v}

	case f.Op == parser.OpLike:
		if !field.IsText() {
			return Predicate{}, perr("pattern match requires a text field")
		}
		pred.Op = PredLike
		pred.Values = []any{f.Value()}

	default:
		switch field.Type {
		case catalog.TypeText:
			pred.Op = PredContains
			pred.Values = []any{f.Value()}
		case catalog.TypeTextArray:
			pred.Op = PredHas
			pred.Values = []any{f.Value()}
		default:
			v, err := coerce(field, f.Value())
			if err != nil {
				return Predicate{}, perr("%v", err)
			}
			pred.Op = PredEq
			pred.Values = []any{v}
		}
	}
	return pred, nil
}

func coerce(field *catalog.Field, raw string) (any, error) {
	switch field.Type {
	case catalog.TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", raw)
		}
		return n, nil
	case catalog.TypeFloat:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", raw)
		}
		return n, nil
	case catalog.TypeBool:
		return parseBool(raw)
	case catalog.TypeTimestamp:
		return parser.ParseTimestamp(strings.TrimSpace(raw))
	}
	return raw, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}

func planStats(entity *catalog.Entity, s *parser.Stats) (*StatsPlan, Column, error) {
	sp := &StatsPlan{Func: s.Func, Alias: s.Alias}
	col := Column{Name: s.Alias, Type: catalog.TypeInt}
	if s.Field == "" {
		return sp, col, nil
	}

	field, ok := entity.Field(s.Field)
	if !ok {
		return nil, Column{}, &PlanError{Entity: entity.Name, Field: s.Field, Reason: "unknown field"}
	}
	sp.Column = field.Name
	switch s.Func {
	case "sum", "avg":
		if !field.IsNumeric() {
			return nil, Column{}, &PlanError{Entity: entity.Name, Field: s.Field, Reason: s.Func + "() requires a numeric field"}
		}
		col.Type = field.Type
		if s.Func == "avg" {
			col.Type = catalog.TypeFloat
		}
	case "min", "max":
		if !field.Orderable() {
			return nil, Column{}, &PlanError{Entity: entity.Name, Field: s.Field, Reason: s.Func + "() requires an orderable field"}
		}
		col.Type = field.Type
	}
	return sp, col, nil
}

func rejectClauses(entity *catalog.Entity, q *parser.Query, what string) error {
	reject := func(clause string) error {
		return &PlanError{Entity: entity.Name, Reason: fmt.Sprintf("%s queries do not support %s", what, clause)}
	}
	switch {
	case q.Sort() != nil:
		return reject("sort")
	case q.RollupStat() != nil:
		return reject("rollup_stats")
	case q.Stats() != nil:
		return reject("stats")
	case q.Cursor() != nil:
		return reject("cursor")
	case q.TimeWindow() != nil:
		return reject("time")
	}
	return nil
}
