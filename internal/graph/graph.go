// Package graph is an in-memory property graph used to resolve neighborhoods.
//
// Nodes live in an arena and are addressed by index. Identity is (kind, id), so adding the same
// node twice returns the existing index. Traversals use an explicit worklist and a visited set
// and terminate on cyclic data.
package graph

// NodeKind is the label of a node.
type NodeKind string

const (
	Device     NodeKind = "Device"
	Collector  NodeKind = "Collector"
	Service    NodeKind = "Service"
	Interface  NodeKind = "Interface"
	Capability NodeKind = "Capability"
)

// EdgeKind is the type of a relationship.
type EdgeKind string

const (
	HostsService       EdgeKind = "HOSTS_SERVICE"
	Targets            EdgeKind = "TARGETS"
	HasInterface       EdgeKind = "HAS_INTERFACE"
	ConnectsTo         EdgeKind = "CONNECTS_TO"
	ReportedBy         EdgeKind = "REPORTED_BY"
	ProvidesCapability EdgeKind = "PROVIDES_CAPABILITY"
)

// Direction selects which end of an edge a traversal follows.
type Direction int

const (
	Out Direction = iota
	In
)

// Key is the stable identity of a node.
type Key struct {
	Kind NodeKind
	ID   string
}

// Node is a vertex with its properties.
type Node struct {
	Key
	Props map[string]any
}

// NodeID is an index into the arena.
type NodeID int

type edge struct {
	kind EdgeKind
	to   NodeID
}

// Graph is not safe for concurrent mutation.
type Graph struct {
	nodes []Node
	index map[Key]NodeID
	out   [][]edge
	in    [][]edge
	seen  map[[2]NodeID]map[EdgeKind]bool
}

func New() *Graph {
	return &Graph{
		index: make(map[Key]NodeID),
		seen:  make(map[[2]NodeID]map[EdgeKind]bool),
	}
}

// AddNode inserts a node or merges props into the existing one.
func (g *Graph) AddNode(kind NodeKind, id string, props map[string]any) NodeID {
	k := Key{Kind: kind, ID: id}
	if n, ok := g.index[k]; ok {
		for name, v := range props {
			if g.nodes[n].Props == nil {
				g.nodes[n].Props = make(map[string]any, len(props))
			}
			g.nodes[n].Props[name] = v
		}
		return n
	}
	n := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, Node{Key: k, Props: props})
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.index[k] = n
	return n
}

// AddEdge adds a directed edge. Duplicate edges are ignored.
func (g *Graph) AddEdge(from NodeID, kind EdgeKind, to NodeID) {
	pair := [2]NodeID{from, to}
	kinds := g.seen[pair]
	if kinds == nil {
		kinds = make(map[EdgeKind]bool, 1)
		g.seen[pair] = kinds
	}
	if kinds[kind] {
		return
	}
	kinds[kind] = true
	g.out[from] = append(g.out[from], edge{kind: kind, to: to})
	g.in[to] = append(g.in[to], edge{kind: kind, to: from})
}

// Lookup returns the node with the given identity.
func (g *Graph) Lookup(kind NodeKind, id string) (NodeID, bool) {
	n, ok := g.index[Key{Kind: kind, ID: id}]
	return n, ok
}

// Node returns the node at n.
func (g *Graph) Node(n NodeID) Node { return g.nodes[n] }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Neighbors returns the nodes one hop from n along edges of kind, restricted to nodes of
// the given kinds when any are passed. Order follows edge insertion; results are unique.
func (g *Graph) Neighbors(n NodeID, kind EdgeKind, dir Direction, kinds ...NodeKind) []NodeID {
	adj := g.out[n]
	if dir == In {
		adj = g.in[n]
	}
	var result []NodeID
	seen := make(map[NodeID]bool)
	for _, e := range adj {
		if e.kind != kind || seen[e.to] || !g.matches(e.to, kinds) {
			continue
		}
		seen[e.to] = true
		result = append(result, e.to)
	}
	return result
}

// Walk returns every node reachable from start through one or more edges of kind in dir,
// restricted to node kinds when given, in breadth-first order. start itself is included
// only when a cycle leads back to it.
func (g *Graph) Walk(start NodeID, kind EdgeKind, dir Direction, kinds ...NodeKind) []NodeID {
	var result []NodeID
	visited := make(map[NodeID]bool)
	queue := []NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Neighbors(cur, kind, dir, kinds...) {
			if visited[next] {
				continue
			}
			visited[next] = true
			result = append(result, next)
			queue = append(queue, next)
		}
	}
	return result
}

func (g *Graph) matches(n NodeID, kinds []NodeKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if g.nodes[n].Kind == k {
			return true
		}
	}
	return false
}

// Set is an insertion-ordered set of nodes.
type Set struct {
	order []NodeID
	has   map[NodeID]bool
}

func NewSet() *Set {
	return &Set{has: make(map[NodeID]bool)}
}

// Add inserts ids not already present.
func (s *Set) Add(ids ...NodeID) {
	for _, id := range ids {
		if s.has[id] {
			continue
		}
		s.has[id] = true
		s.order = append(s.order, id)
	}
}

func (s *Set) Has(id NodeID) bool { return s.has[id] }

func (s *Set) Len() int { return len(s.order) }

// Items returns members in insertion order.
func (s *Set) Items() []NodeID { return s.order }
