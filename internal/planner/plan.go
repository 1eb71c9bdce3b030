package planner

import (
	"fmt"
	"time"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/cursor"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

// Kind is the execution strategy chosen for a query.
type Kind int

const (
	KindRelational Kind = iota
	KindRollup
	KindStats
	KindNeighborhood
	KindCypher
)

func (k Kind) String() string {
	switch k {
	case KindRelational:
		return "relational"
	case KindRollup:
		return "rollup"
	case KindStats:
		return "stats"
	case KindNeighborhood:
		return "neighborhood"
	case KindCypher:
		return "cypher"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PlanError reports a query that is well formed but cannot run against its entity.
type PlanError struct {
	Entity string
	Field  string
	Reason string
}

func (e *PlanError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("plan error: %s.%s: %s", e.Entity, e.Field, e.Reason)
	case e.Entity != "":
		return fmt.Sprintf("plan error: %s: %s", e.Entity, e.Reason)
	}
	return "plan error: " + e.Reason
}

// Plan is the planner output. Exactly one of Relational, Neighborhood or Cypher is set.
type Plan struct {
	Kind   Kind
	Scope  scope.Scope
	Entity *catalog.Entity

	Relational   *RelationalPlan
	Neighborhood *NeighborhoodPlan
	Cypher       *CypherPlan
}

// Store returns the store the plan executes against.
func (p *Plan) Store() catalog.Store { return p.Entity.Store }

// PredicateOp is a resolved filter operator.
type PredicateOp int

const (
	PredEq PredicateOp = iota
	// PredContains is a case-insensitive substring match.
	PredContains
	// PredLike is a case-insensitive pattern match with caller-supplied wildcards.
	PredLike
	PredIn
	PredGt
	PredGte
	PredLt
	PredLte
	// PredHas tests membership of a value in an array column.
	PredHas
	// PredHasAny tests whether an array column shares any element with a list.
	PredHasAny
)

// Predicate is one WHERE condition on a catalog column.
type Predicate struct {
	Column  string
	Op      PredicateOp
	Negated bool
	Values  []any
}

// TimeBound restricts Column to [Start, End). A zero Start leaves the window open.
type TimeBound struct {
	Column string
	Start  time.Time
	End    time.Time
}

// Column is one output column with its logical type.
type Column struct {
	Name string            `json:"name"`
	Type catalog.FieldType `json:"type"`
}

// Seek is the keyset continuation point. Rows strictly after it in the effective order are
// returned. Value may be nil for a row whose sort column is NULL; Tiebreak holds one value
// per RelationalPlan.Tiebreak column.
type Seek struct {
	Value    any
	Tiebreak []any
}

// RelationalPlan describes one parameterized statement.
type RelationalPlan struct {
	Table   string
	Columns []Column
	Time    *TimeBound
	Filters []Predicate

	SortColumn string
	Desc       bool
	// Tiebreak are the key columns, minus SortColumn, that make the order total. NULL sort
	// values order last in the requested direction.
	Tiebreak []string
	// Reverse flips the order for a backward page. Rows come back in reverse and are
	// restored to sort order after the fetch.
	Reverse bool
	Seek    *Seek
	// Limit is the page size. Generators fetch one more row to detect a following page.
	Limit int

	// Signature identifies the ordering for cursor minting.
	Signature string
	// Paged is set when the request carried a cursor.
	Paged bool

	Rollup *RollupPlan
	Stats  *StatsPlan
}

// EffectiveDesc reports the direction of ORDER BY as emitted.
func (p *RelationalPlan) EffectiveDesc() bool {
	return p.Desc != p.Reverse
}

// Paginated reports whether the plan returns pages with cursors.
func (p *RelationalPlan) Paginated() bool {
	return p.Stats == nil
}

// RollupPlan selects pre-aggregated rows, or aggregates raw rows when no tier fits.
type RollupPlan struct {
	Kind string
	// Tier is nil when falling back to the raw table.
	Tier       *catalog.Tier
	Bucket     time.Duration
	Group      []string
	Aggregates []catalog.Aggregate
	// SourceTime is the raw table's time column, used by the fallback.
	SourceTime string
}

// BucketColumn is the name of the bucket column in rollup output.
const BucketColumn = "bucket"

// StatsPlan computes one aggregate over the filtered rows.
type StatsPlan struct {
	Func   string
	Column string
	Alias  string
}

// NeighborhoodPlan carries a device_graph lookup.
type NeighborhoodPlan struct {
	Seed               string
	CollectorOwnedOnly bool
	IncludeTopology    bool
}

// CypherPlan carries a read-only Cypher passthrough.
type CypherPlan struct {
	Query string
	Limit int
}

// Request carries API-level overrides of the query text.
type Request struct {
	Limit     *int
	Cursor    string
	Direction cursor.Direction
}
