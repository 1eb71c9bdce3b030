package planner

import (
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/parser"
)

// SelectTier returns the coarsest tier whose bucket width evenly divides span, or nil when
// no tier fits and the raw table must be aggregated instead.
func SelectTier(r *catalog.Rollup, span time.Duration) *catalog.Tier {
	var chosen *catalog.Tier
	for i := range r.Tiers {
		w := r.Tiers[i].Width()
		if span >= w && span%w == 0 {
			chosen = &r.Tiers[i]
		}
	}
	return chosen
}

func (p *Planner) planRollup(entity *catalog.Entity, q *parser.Query, req Request, kind string, window *parser.TimeRange, limit int) (*RelationalPlan, error) {
	r, ok := entity.Rollup(kind)
	if !ok {
		kinds := make([]string, 0, len(entity.Rollups))
		for _, rr := range entity.Rollups {
			kinds = append(kinds, rr.Kind)
		}
		reason := fmt.Sprintf("rollup_stats %q is not available", kind)
		if len(kinds) > 0 {
			reason += " (supported: " + strings.Join(kinds, ", ") + ")"
		}
		return nil, &PlanError{Entity: entity.Name, Reason: reason}
	}
	if window == nil || window.Span() <= 0 {
		return nil, &PlanError{Entity: entity.Name, Reason: "rollup_stats requires a bounded time window"}
	}

	rollup := &RollupPlan{
		Kind:       r.Kind,
		Tier:       SelectTier(r, window.Span()),
		Group:      r.Group,
		Aggregates: r.Aggregates,
		SourceTime: entity.TimeField,
	}
	// A tier serves exactly span worth of whole buckets ending at the last completed
	// boundary. The raw fallback aggregates the requested window as is.
	bound := &TimeBound{Column: entity.TimeField, Start: window.Start, End: window.End}
	table, width := entity.Table, r.Tiers[0].Width()
	if rollup.Tier != nil {
		table, width = rollup.Tier.Table, rollup.Tier.Width()
		end := alignTimeDown(window.End, width)
		bound = &TimeBound{Column: BucketColumn, Start: end.Add(-window.Span()), End: end}
	}
	rollup.Bucket = width

	rp := &RelationalPlan{
		Table:  table,
		Time:   bound,
		Limit:  limit,
		Rollup: rollup,
	}

	groups := make(map[string]bool, len(r.Group))
	rp.Columns = append(rp.Columns, Column{Name: BucketColumn, Type: catalog.TypeTimestamp})
	for _, g := range r.Group {
		groups[g] = true
		field, _ := entity.Field(g)
		rp.Columns = append(rp.Columns, Column{Name: g, Type: field.Type})
	}
	for _, a := range r.Aggregates {
		rp.Columns = append(rp.Columns, Column{Name: a.Name, Type: a.Type})
	}

	for _, f := range q.Filters() {
		field, ok := entity.Field(f.Field)
		if !ok {
			return nil, &PlanError{Entity: entity.Name, Field: f.Field, Reason: "unknown field"}
		}
		if !groups[field.Name] {
			return nil, &PlanError{
				Entity: entity.Name,
				Field:  f.Field,
				Reason: fmt.Sprintf("rollup %q can only filter on %s", r.Kind, strings.Join(r.Group, ", ")),
			}
		}
		pred, err := buildPredicate(entity, field, f)
		if err != nil {
			return nil, err
		}
		rp.Filters = append(rp.Filters, pred)
	}

	rp.SortColumn, rp.Desc = BucketColumn, true
	if s := q.Sort(); s != nil {
		col, ok := rollupSortColumn(entity, r, s.Field)
		if !ok {
			return nil, &PlanError{Entity: entity.Name, Field: s.Field, Reason: fmt.Sprintf("rollup %q cannot sort on this field", r.Kind)}
		}
		rp.SortColumn, rp.Desc = col, s.Direction == parser.Desc
	}
	// One output row per bucket and group, so those columns form the key.
	for _, col := range append([]string{BucketColumn}, r.Group...) {
		if col != rp.SortColumn {
			rp.Tiebreak = append(rp.Tiebreak, col)
		}
	}
	rp.Signature = cursor.Signature(entity.Name+"/"+r.Kind, rp.SortColumn, rp.Tiebreak, rp.Desc)

	if err := applyCursor(rp, cursorToken(q, req), req.Direction); err != nil {
		return nil, err
	}
	return rp, nil
}

func rollupSortColumn(entity *catalog.Entity, r *catalog.Rollup, name string) (string, bool) {
	if name == BucketColumn {
		return BucketColumn, true
	}
	if _, ok := r.Aggregate(name); ok {
		return name, true
	}
	field, ok := entity.Field(name)
	if !ok {
		return "", false
	}
	if field.Name == entity.TimeField {
		return BucketColumn, true
	}
	for _, g := range r.Group {
		if g == field.Name {
			return g, true
		}
	}
	return "", false
}

// alignTimeDown rounds a time DOWN to the interval boundary.
func alignTimeDown(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval)
}
