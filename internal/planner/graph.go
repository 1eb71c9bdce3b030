package planner

import (
	"fmt"
	"regexp"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/parser"
)

func planNeighborhood(entity *catalog.Entity, q *parser.Query, req Request) (*NeighborhoodPlan, error) {
	if err := rejectClauses(entity, q, "neighborhood"); err != nil {
		return nil, err
	}
	if req.Cursor != "" {
		return nil, &PlanError{Entity: entity.Name, Reason: "neighborhood queries do not support cursor"}
	}

	np := &NeighborhoodPlan{IncludeTopology: true}
	seen := make(map[string]bool)
	for _, f := range q.Filters() {
		perr := func(reason string) error {
			return &PlanError{Entity: entity.Name, Field: f.Field, Reason: reason}
		}
		if f.Negated || f.Op != parser.OpDefault {
			return nil, perr("neighborhood options only accept a plain value")
		}
		name := f.Field
		if name == "seed" {
			name = "device_id"
		}
		if seen[name] {
			return nil, perr("specified more than once")
		}
		seen[name] = true

		switch name {
		case "device_id":
			np.Seed = f.Value()
		case "collector_owned_only", "include_topology":
			b, err := parseBool(f.Value())
			if err != nil {
				return nil, perr(err.Error())
			}
			if name == "include_topology" {
				np.IncludeTopology = b
			} else {
				np.CollectorOwnedOnly = b
			}
		default:
			return nil, perr("neighborhood queries only accept device_id, collector_owned_only and include_topology")
		}
	}
	if np.Seed == "" {
		return nil, &PlanError{Entity: entity.Name, Field: "device_id", Reason: "neighborhood queries require a device_id seed"}
	}
	return np, nil
}

var (
	cypherLiteral  = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"|` + "`[^`]*`" + `|//[^\n]*|/\*(?s:.*?)\*/`)
	cypherMutation = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|FOREACH|LOAD\s+CSV)\b|\bCALL\s+(dbms|apoc)\.`)
)

// IsReadOnlyCypher reports whether query contains no mutating clauses outside string literals
// and comments.
func IsReadOnlyCypher(query string) bool {
	stripped := cypherLiteral.ReplaceAllString(query, " ")
	return !cypherMutation.MatchString(stripped)
}

func planCypher(entity *catalog.Entity, q *parser.Query, req Request, limit int) (*CypherPlan, error) {
	if err := rejectClauses(entity, q, "graph_cypher"); err != nil {
		return nil, err
	}
	if req.Cursor != "" {
		return nil, &PlanError{Entity: entity.Name, Reason: "graph_cypher queries do not support cursor"}
	}

	var query string
	for _, f := range q.Filters() {
		if f.Field != "cypher" && f.Field != "query" {
			return nil, &PlanError{Entity: entity.Name, Field: f.Field, Reason: "graph_cypher only accepts a cypher filter"}
		}
		if f.Negated || f.Op == parser.OpIn || f.Op.IsRange() {
			return nil, &PlanError{Entity: entity.Name, Field: f.Field, Reason: "cypher must be a single quoted statement"}
		}
		if query != "" {
			return nil, &PlanError{Entity: entity.Name, Field: f.Field, Reason: "specified more than once"}
		}
		query = f.Value()
	}
	if query == "" {
		return nil, &PlanError{Entity: entity.Name, Field: "cypher", Reason: "graph_cypher requires a cypher statement"}
	}
	if !IsReadOnlyCypher(query) {
		return nil, &PlanError{Entity: entity.Name, Field: "cypher", Reason: fmt.Sprintf("graph_cypher is read-only; rejected %q", firstMutation(query))}
	}
	return &CypherPlan{Query: query, Limit: limit}, nil
}

func firstMutation(query string) string {
	stripped := cypherLiteral.ReplaceAllString(query, " ")
	return cypherMutation.FindString(stripped)
}
