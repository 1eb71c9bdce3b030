package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/carverauto/serviceradar/srql/internal/graph"
	"github.com/carverauto/serviceradar/srql/internal/neighborhood"
	"github.com/carverauto/serviceradar/srql/internal/scope"
	"github.com/carverauto/serviceradar/srql/internal/store"
)

// Each tier query returns the paths its resolver walks. Every query returns the seed node
// alone as its first branch so an isolated seed is still found.
var tierQueries = map[neighborhood.Tier]string{
	neighborhood.TierCollector: `
MATCH p = (:Collector {id: $seed})
RETURN p
UNION
MATCH p = (:Collector {id: $seed})-[:REPORTED_BY*1..]->(:Collector)
RETURN p
UNION
MATCH p = (:Collector)-[:REPORTED_BY*1..]->(:Collector {id: $seed})
RETURN p
UNION
MATCH p = (:Device)-[:REPORTED_BY]->(:Collector {id: $seed})
RETURN p
UNION
MATCH (d:Device)-[:REPORTED_BY]->(:Collector {id: $seed})
WHERE d.id STARTS WITH $prefix
MATCH p = (:Collector {id: d.id})
RETURN p
UNION
MATCH (seed:Collector {id: $seed})
OPTIONAL MATCH (child:Collector)-[:REPORTED_BY*1..]->(seed)
OPTIONAL MATCH (d:Device)-[:REPORTED_BY]->(seed)
WHERE d.id STARTS WITH $prefix
OPTIONAL MATCH (alias:Collector {id: d.id})
WITH [seed] + collect(DISTINCT child) + collect(DISTINCT alias) AS hosts
UNWIND hosts AS host
MATCH p = (host)-[:HOSTS_SERVICE]->(:Service)-[:TARGETS|PROVIDES_CAPABILITY*0..1]->()
RETURN p
UNION
MATCH (seed:Collector {id: $seed})
OPTIONAL MATCH (child:Collector)-[:REPORTED_BY*1..]->(seed)
OPTIONAL MATCH (d:Device)-[:REPORTED_BY]->(seed)
WHERE d.id STARTS WITH $prefix
OPTIONAL MATCH (alias:Collector {id: d.id})
WITH [seed] + collect(DISTINCT child) + collect(DISTINCT alias) AS hosts
UNWIND hosts AS host
MATCH p = (:Device)-[:REPORTED_BY]->(host)
RETURN p`,

	neighborhood.TierDevice: `
MATCH p = (:Device {id: $seed})
RETURN p
UNION
MATCH p = (:Device {id: $seed})-[:REPORTED_BY|HAS_INTERFACE|PROVIDES_CAPABILITY]->()
RETURN p
UNION
MATCH p = (:Device {id: $seed})-[:REPORTED_BY]->(:Collector)-[:REPORTED_BY]->(:Collector)
RETURN p
UNION
MATCH p = (:Device {id: $seed})-[:HAS_INTERFACE]->(:Interface)-[:CONNECTS_TO]-(:Interface)
RETURN p
UNION
MATCH p = (:Device {id: $seed})-[:REPORTED_BY]->(:Collector)-[:HOSTS_SERVICE]->(:Service)
RETURN p
UNION
MATCH p = (:Device {id: $seed})-[:REPORTED_BY]->(:Collector)-[:HOSTS_SERVICE]->(:Service)-[:TARGETS|PROVIDES_CAPABILITY]->()
RETURN p`,

	neighborhood.TierService: `
MATCH p = (:Service {id: $seed})
RETURN p
UNION
MATCH p = (:Service {id: $seed})-[:TARGETS|PROVIDES_CAPABILITY]->()
RETURN p
UNION
MATCH p = (:Service {id: $seed})<-[:HOSTS_SERVICE]-(:Collector)-[:REPORTED_BY*0..]->(:Collector)
RETURN p`,
}

// Fetch loads the tier's candidate subgraph in one round trip. It returns a nil graph when the
// seed does not exist at that tier.
func (s *Store) Fetch(ctx context.Context, sc scope.Scope, tier neighborhood.Tier, seed string) (*graph.Graph, error) {
	query, ok := tierQueries[tier]
	if !ok {
		return nil, fmt.Errorf("no query for %s tier", tier)
	}
	params := map[string]any{"seed": seed, "prefix": neighborhood.ReservedPrefix}
	_, records, err := s.run.read(ctx, s.DatabaseFor(sc), query, params, 0)
	if err != nil {
		return nil, store.Wrap(storeName, "neighborhood", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	g, err := buildGraph(records)
	if err != nil {
		return nil, store.Wrap(storeName, "neighborhood", err)
	}
	s.log.Debug("neighborhood subgraph fetched", "tier", tier.String(), "seed", seed, "nodes", g.Len())
	return g, nil
}

var nodeKinds = []graph.NodeKind{graph.Device, graph.Collector, graph.Service, graph.Interface, graph.Capability}

// buildGraph folds path records into a graph. Nodes without an id or a known label are
// skipped along with their relationships.
func buildGraph(records []*neo4j.Record) (*graph.Graph, error) {
	g := graph.New()
	byElement := make(map[string]graph.NodeID)

	addNode := func(n neo4j.Node) {
		if _, ok := byElement[n.ElementId]; ok {
			return
		}
		kind, ok := kindOf(n.Labels)
		if !ok {
			return
		}
		id, ok := n.Props["id"].(string)
		if !ok || id == "" {
			return
		}
		props := convertProps(n.Props)
		delete(props, "id")
		byElement[n.ElementId] = g.AddNode(kind, id, props)
	}

	for _, rec := range records {
		for _, v := range rec.Values {
			var path neo4j.Path
			switch p := v.(type) {
			case neo4j.Path:
				path = p
			case neo4j.Node:
				path = neo4j.Path{Nodes: []neo4j.Node{p}}
			case nil:
				continue
			default:
				return nil, fmt.Errorf("unexpected neighborhood value %T", v)
			}
			for _, n := range path.Nodes {
				addNode(n)
			}
			for _, r := range path.Relationships {
				from, okFrom := byElement[r.StartElementId]
				to, okTo := byElement[r.EndElementId]
				if !okFrom || !okTo {
					continue
				}
				g.AddEdge(from, graph.EdgeKind(r.Type), to)
			}
		}
	}
	return g, nil
}

func kindOf(labels []string) (graph.NodeKind, bool) {
	for _, k := range nodeKinds {
		for _, l := range labels {
			if l == string(k) {
				return k, true
			}
		}
	}
	return "", false
}

// Bootstrap creates the uniqueness constraints the tier queries rely on. Failures are logged
// and never returned; read-only credentials are expected in some deployments.
func (s *Store) Bootstrap(ctx context.Context, sc scope.Scope) {
	db := s.DatabaseFor(sc)
	for _, k := range nodeKinds {
		stmt := fmt.Sprintf("CREATE CONSTRAINT %s_id IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			strings.ToLower(string(k)), k)
		err := s.run.write(ctx, db, stmt)
		switch {
		case err == nil:
		case isSecurityError(err):
			s.log.Warn("skipping graph bootstrap, insufficient privileges", "database", db, "error", err)
			return
		default:
			s.log.Warn("failed to create graph constraint", "database", db, "label", string(k), "error", err)
		}
	}
	s.log.Info("graph bootstrap complete", "database", db)
}

func isSecurityError(err error) bool {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return strings.HasPrefix(nerr.Code, "Neo.ClientError.Security.")
	}
	return false
}
