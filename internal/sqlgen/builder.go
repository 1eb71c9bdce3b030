// Package sqlgen compiles relational plans into parameterized SQL statements.
package sqlgen

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/carverauto/serviceradar/srql/internal/planner"
)

// Statement is a generated query and its arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Builder generates statements for one dialect.
type Builder struct {
	dialect Dialect
}

func New(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Dialect returns the builder's dialect.
func (b *Builder) Dialect() Dialect { return b.dialect }

type argList struct {
	d    Dialect
	vals []any
}

func (a *argList) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

// Build compiles p. Paginated statements fetch Limit+1 rows; the extra row only signals that
// another page exists.
func (b *Builder) Build(p *planner.RelationalPlan) (*Statement, error) {
	if p.Table == "" {
		return nil, errors.New("plan has no table")
	}
	args := &argList{d: b.dialect}

	switch {
	case p.Stats != nil:
		return b.buildStats(p, args)
	case p.Rollup != nil && p.Rollup.Tier == nil:
		return b.buildRawRollup(p, args)
	}

	cols := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		cols = append(cols, b.dialect.quote(c.Name))
	}

	where, err := b.buildWhereClause(p, args)
	if err != nil {
		return nil, err
	}
	if seek := b.buildSeek(p, args); seek != "" {
		where = append(where, seek)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", strings.Join(cols, ", "), b.dialect.quote(p.Table))
	writeWhere(&sb, where)
	b.writeOrderAndLimit(&sb, p)
	return &Statement{SQL: sb.String(), Args: args.vals}, nil
}

// buildRawRollup aggregates the raw table into buckets and pages over the result.
func (b *Builder) buildRawRollup(p *planner.RelationalPlan, args *argList) (*Statement, error) {
	r := p.Rollup
	d := b.dialect

	inner := []string{d.timeBucket(r.Bucket, d.quote(r.SourceTime)) + " AS " + d.quote(planner.BucketColumn)}
	groupBy := []string{"1"}
	for i, g := range r.Group {
		inner = append(inner, d.quote(g))
		groupBy = append(groupBy, strconv.Itoa(i+2))
	}
	for _, a := range r.Aggregates {
		inner = append(inner, a.Expr+" AS "+d.quote(a.Name))
	}

	where, err := b.buildWhereClause(p, args)
	if err != nil {
		return nil, err
	}

	outer := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		outer = append(outer, d.quote(c.Name))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM (SELECT %s FROM %s", strings.Join(outer, ", "), strings.Join(inner, ", "), d.quote(p.Table))
	writeWhere(&sb, where)
	fmt.Fprintf(&sb, " GROUP BY %s) AS r", strings.Join(groupBy, ", "))
	if seek := b.buildSeek(p, args); seek != "" {
		writeWhere(&sb, []string{seek})
	}
	b.writeOrderAndLimit(&sb, p)
	return &Statement{SQL: sb.String(), Args: args.vals}, nil
}

func (b *Builder) buildStats(p *planner.RelationalPlan, args *argList) (*Statement, error) {
	s := p.Stats
	target := "*"
	if s.Column != "" {
		target = b.dialect.quote(s.Column)
	}
	switch s.Func {
	case "count", "sum", "avg", "min", "max":
	default:
		return nil, fmt.Errorf("unsupported stats function %q", s.Func)
	}

	where, err := b.buildWhereClause(p, args)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s(%s) AS %s FROM %s", s.Func, target, b.dialect.quote(s.Alias), b.dialect.quote(p.Table))
	writeWhere(&sb, where)
	return &Statement{SQL: sb.String(), Args: args.vals}, nil
}

// buildWhereClause emits the time predicate first, then the filters.
func (b *Builder) buildWhereClause(p *planner.RelationalPlan, args *argList) ([]string, error) {
	var parts []string

	if t := p.Time; t != nil {
		col := b.dialect.quote(t.Column)
		if !t.Start.IsZero() {
			parts = append(parts, col+" >= "+args.add(t.Start))
		}
		parts = append(parts, col+" < "+args.add(t.End))
	}

	for _, f := range p.Filters {
		clause, err := b.buildFilterClause(f, args)
		if err != nil {
			return nil, err
		}
		parts = append(parts, clause)
	}
	return parts, nil
}

func (b *Builder) buildFilterClause(f planner.Predicate, args *argList) (string, error) {
	if len(f.Values) == 0 {
		return "", fmt.Errorf("filter on %s has no values", f.Column)
	}
	col := b.dialect.quote(f.Column)
	not := ""
	if f.Negated {
		not = "NOT "
	}

	switch f.Op {
	case planner.PredEq:
		op := "="
		if f.Negated {
			op = "<>"
		}
		return fmt.Sprintf("%s %s %s", col, op, args.add(f.Values[0])), nil

	case planner.PredContains:
		s, _ := f.Values[0].(string)
		return fmt.Sprintf("%s %sILIKE %s", col, not, args.add("%"+escapeLike(s)+"%")), nil

	case planner.PredLike:
		return fmt.Sprintf("%s %sILIKE %s", col, not, args.add(f.Values[0])), nil

	case planner.PredIn:
		placeholders := make([]string, len(f.Values))
		for i, v := range f.Values {
			placeholders[i] = args.add(v)
		}
		return fmt.Sprintf("%s %sIN (%s)", col, not, strings.Join(placeholders, ", ")), nil

	case planner.PredGt, planner.PredGte, planner.PredLt, planner.PredLte:
		return fmt.Sprintf("%s %s %s", col, rangeOp(f.Op), args.add(f.Values[0])), nil

	case planner.PredHas:
		return not + b.dialect.arrayHas(col, args.add(f.Values[0])), nil

	case planner.PredHasAny:
		placeholders := make([]string, len(f.Values))
		for i, v := range f.Values {
			placeholders[i] = args.add(v)
		}
		return not + "(" + b.dialect.arrayHasAny(col, placeholders) + ")", nil
	}
	return "", fmt.Errorf("unsupported operator %d on %s", f.Op, f.Column)
}

func rangeOp(op planner.PredicateOp) string {
	switch op {
	case planner.PredGt:
		return ">"
	case planner.PredGte:
		return ">="
	case planner.PredLt:
		return "<"
	}
	return "<="
}

// buildSeek emits the keyset continuation predicate. NULL sort values order after every
// other value in the requested direction, so they come first on a reversed page.
func (b *Builder) buildSeek(p *planner.RelationalPlan, args *argList) string {
	if p.Seek == nil {
		return ""
	}
	d := b.dialect
	op := ">"
	if p.EffectiveDesc() {
		op = "<"
	}
	sort := d.quote(p.SortColumn)
	keys := make([]string, 0, len(p.Tiebreak))
	for _, c := range p.Tiebreak {
		keys = append(keys, d.quote(c))
	}
	// Placeholders are added in the order they appear in the text.
	keyArgs := func() []string {
		out := make([]string, 0, len(p.Seek.Tiebreak))
		for _, v := range p.Seek.Tiebreak {
			out = append(out, args.add(v))
		}
		return out
	}

	if p.Seek.Value == nil {
		if p.Reverse {
			return fmt.Sprintf("(%s IS NOT NULL OR %s)", sort, d.rowCompare(keys, op, keyArgs()))
		}
		return fmt.Sprintf("(%s IS NULL AND %s)", sort, d.rowCompare(keys, op, keyArgs()))
	}
	cmp := d.rowCompare(append([]string{sort}, keys...), op, append([]string{args.add(p.Seek.Value)}, keyArgs()...))
	if p.Reverse {
		return cmp
	}
	return fmt.Sprintf("(%s OR %s IS NULL)", cmp, sort)
}

func (b *Builder) writeOrderAndLimit(sb *strings.Builder, p *planner.RelationalPlan) {
	dir := "ASC"
	if p.EffectiveDesc() {
		dir = "DESC"
	}
	nulls := "LAST"
	if p.Reverse {
		nulls = "FIRST"
	}
	fmt.Fprintf(sb, " ORDER BY %s %s NULLS %s", b.dialect.quote(p.SortColumn), dir, nulls)
	for _, c := range p.Tiebreak {
		fmt.Fprintf(sb, ", %s %s", b.dialect.quote(c), dir)
	}
	fmt.Fprintf(sb, " LIMIT %d", p.Limit+1)
}

func writeWhere(sb *strings.Builder, parts []string) {
	if len(parts) == 0 {
		return
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(parts, " AND "))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
