package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ids(g *Graph, nodes []NodeID) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, g.Node(n).ID)
	}
	return out
}

func TestGraph_AddNodeIsIdempotent(t *testing.T) {
	t.Parallel()

	g := New()
	a := g.AddNode(Collector, "c1", map[string]any{"name": "one"})
	b := g.AddNode(Collector, "c1", map[string]any{"site": "ams"})
	require.Equal(t, a, b)
	require.Equal(t, 1, g.Len())
	require.Equal(t, map[string]any{"name": "one", "site": "ams"}, g.Node(a).Props)

	d := g.AddNode(Device, "c1", nil)
	require.NotEqual(t, a, d, "identity includes the node kind")

	got, ok := g.Lookup(Device, "c1")
	require.True(t, ok)
	require.Equal(t, d, got)
	_, ok = g.Lookup(Service, "c1")
	require.False(t, ok)
}

func TestGraph_Neighbors(t *testing.T) {
	t.Parallel()

	g := New()
	c := g.AddNode(Collector, "c1", nil)
	s1 := g.AddNode(Service, "s1", nil)
	s2 := g.AddNode(Service, "s2", nil)
	d := g.AddNode(Device, "d1", nil)
	g.AddEdge(c, HostsService, s1)
	g.AddEdge(c, HostsService, s2)
	g.AddEdge(c, HostsService, s1)
	g.AddEdge(d, ReportedBy, c)

	require.Equal(t, []string{"s1", "s2"}, ids(g, g.Neighbors(c, HostsService, Out)))
	require.Equal(t, []string{"c1"}, ids(g, g.Neighbors(s1, HostsService, In)))
	require.Equal(t, []string{"d1"}, ids(g, g.Neighbors(c, ReportedBy, In, Device)))
	require.Empty(t, g.Neighbors(c, ReportedBy, In, Collector))
}

func TestGraph_WalkTerminatesOnCycles(t *testing.T) {
	t.Parallel()

	g := New()
	a := g.AddNode(Collector, "a", nil)
	b := g.AddNode(Collector, "b", nil)
	c := g.AddNode(Collector, "c", nil)
	g.AddEdge(a, ReportedBy, b)
	g.AddEdge(b, ReportedBy, c)
	g.AddEdge(c, ReportedBy, a)

	require.Equal(t, []string{"b", "c", "a"}, ids(g, g.Walk(a, ReportedBy, Out, Collector)))
	require.Equal(t, []string{"c", "b", "a"}, ids(g, g.Walk(a, ReportedBy, In, Collector)))
}

func TestGraph_WalkSelfLoop(t *testing.T) {
	t.Parallel()

	g := New()
	a := g.AddNode(Collector, "a", nil)
	g.AddEdge(a, ReportedBy, a)

	require.Equal(t, []string{"a"}, ids(g, g.Walk(a, ReportedBy, Out)))
}

func TestGraph_WalkTree(t *testing.T) {
	t.Parallel()

	g := New()
	root := g.AddNode(Collector, "root", nil)
	mid := g.AddNode(Collector, "mid", nil)
	leaf := g.AddNode(Collector, "leaf", nil)
	dev := g.AddNode(Device, "dev", nil)
	g.AddEdge(leaf, ReportedBy, mid)
	g.AddEdge(mid, ReportedBy, root)
	g.AddEdge(dev, ReportedBy, root)

	require.Equal(t, []string{"mid", "root"}, ids(g, g.Walk(leaf, ReportedBy, Out, Collector)))
	require.Equal(t, []string{"mid", "leaf"}, ids(g, g.Walk(root, ReportedBy, In, Collector)))
	require.Empty(t, g.Walk(root, ReportedBy, Out))
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet()
	s.Add(3, 1, 3, 2, 1)
	require.Equal(t, []NodeID{3, 1, 2}, s.Items())
	require.True(t, s.Has(2))
	require.False(t, s.Has(4))
	require.Equal(t, 3, s.Len())
}
