package parser

// Query is the parsed form of an SRQL string. Clauses keep their source order so that Format
// reproduces an equivalent query.
type Query struct {
	Clauses []Clause
}

// Clause is one element of a query.
type Clause interface {
	clause()
}

// In selects the target entity. Exactly one per query.
type In struct {
	Entity string
}

// Op is a filter operator. OpDefault is resolved by the planner against the field type:
// contains for text fields, equality for everything else.
type Op string

const (
	OpDefault Op = ""
	OpLike    Op = "like"
	OpIn      Op = "in"
	OpGt      Op = ">"
	OpGte     Op = ">="
	OpLt      Op = "<"
	OpLte     Op = "<="
)

// IsRange reports whether op is a comparison operator.
func (o Op) IsRange() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Filter restricts results on a single field. Field names are validated at plan time.
type Filter struct {
	Field   string
	Op      Op
	Negated bool
	Values  []string
}

// Value returns the first value of a scalar filter.
func (f Filter) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// TimeWindow restricts results to a time range.
type TimeWindow struct {
	Spec TimeSpec
}

// Direction is a sort direction.
type Direction int

const (
	Desc Direction = iota
	Asc
)

func (d Direction) String() string {
	if d == Asc {
		return "asc"
	}
	return "desc"
}

// Sort orders results by a single field.
type Sort struct {
	Field     string
	Direction Direction
}

// Limit caps the page size.
type Limit struct {
	N int
}

// RollupStat requests pre-aggregated statistics of the given kind.
type RollupStat struct {
	Kind string
}

// Cursor resumes a previous page. The token is opaque to the parser.
type Cursor struct {
	Token string
}

// Stats requests a single aggregate instead of rows.
type Stats struct {
	Func  string
	Field string
	Alias string
}

func (In) clause()         {}
func (Filter) clause()     {}
func (TimeWindow) clause() {}
func (Sort) clause()       {}
func (Limit) clause()      {}
func (RollupStat) clause() {}
func (Cursor) clause()     {}
func (Stats) clause()      {}

// Entity returns the target entity name.
func (q *Query) Entity() string {
	for _, c := range q.Clauses {
		if in, ok := c.(In); ok {
			return in.Entity
		}
	}
	return ""
}

// Filters returns all filter clauses in source order.
func (q *Query) Filters() []Filter {
	var out []Filter
	for _, c := range q.Clauses {
		if f, ok := c.(Filter); ok {
			out = append(out, f)
		}
	}
	return out
}

func (q *Query) TimeWindow() *TimeWindow {
	for _, c := range q.Clauses {
		if tw, ok := c.(TimeWindow); ok {
			return &tw
		}
	}
	return nil
}

func (q *Query) Sort() *Sort {
	for _, c := range q.Clauses {
		if s, ok := c.(Sort); ok {
			return &s
		}
	}
	return nil
}

func (q *Query) Limit() *Limit {
	for _, c := range q.Clauses {
		if l, ok := c.(Limit); ok {
			return &l
		}
	}
	return nil
}

func (q *Query) RollupStat() *RollupStat {
	for _, c := range q.Clauses {
		if r, ok := c.(RollupStat); ok {
			return &r
		}
	}
	return nil
}

func (q *Query) Cursor() *Cursor {
	for _, c := range q.Clauses {
		if cur, ok := c.(Cursor); ok {
			return &cur
		}
	}
	return nil
}

func (q *Query) Stats() *Stats {
	for _, c := range q.Clauses {
		if s, ok := c.(Stats); ok {
			return &s
		}
	}
	return nil
}
