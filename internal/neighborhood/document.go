package neighborhood

import (
	"fmt"

	"github.com/carverauto/serviceradar/srql/internal/graph"
)

// Tier identifies which resolution strategy answered.
type Tier int

const (
	TierCollector Tier = iota + 1
	TierDevice
	TierService
)

func (t Tier) String() string {
	switch t {
	case TierCollector:
		return "collector"
	case TierDevice:
		return "device"
	case TierService:
		return "service"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Options tune a resolution.
type Options struct {
	// CollectorOwnedOnly drops device and service results with no collector relationship.
	CollectorOwnedOnly bool
	// IncludeTopology adds interfaces and their peers to device results.
	IncludeTopology bool
}

func DefaultOptions() Options {
	return Options{IncludeTopology: true}
}

// ServiceEntry is a service in a neighborhood with its owning collector.
type ServiceEntry struct {
	Service        map[string]any `json:"service"`
	CollectorID    string         `json:"collector_id,omitempty"`
	CollectorOwned bool           `json:"collector_owned"`
}

// Document is the resolved neighborhood of a seed. Every list is deduplicated by node identity.
type Document struct {
	Tier                Tier             `json:"-"`
	Device              map[string]any   `json:"device"`
	Collectors          []map[string]any `json:"collectors"`
	Services            []ServiceEntry   `json:"services"`
	Targets             []map[string]any `json:"targets"`
	Interfaces          []map[string]any `json:"interfaces"`
	PeerInterfaces      []map[string]any `json:"peer_interfaces"`
	DeviceCapabilities  []map[string]any `json:"device_capabilities"`
	ServiceCapabilities []map[string]any `json:"service_capabilities"`
}

func newDocument(g *graph.Graph, seed graph.NodeID) *Document {
	return &Document{
		Device:              attrs(g, seed),
		Collectors:          []map[string]any{},
		Services:            []ServiceEntry{},
		Targets:             []map[string]any{},
		Interfaces:          []map[string]any{},
		PeerInterfaces:      []map[string]any{},
		DeviceCapabilities:  []map[string]any{},
		ServiceCapabilities: []map[string]any{},
	}
}

// attrs flattens a node into its property map plus its id.
func attrs(g *graph.Graph, n graph.NodeID) map[string]any {
	node := g.Node(n)
	m := make(map[string]any, len(node.Props)+1)
	for k, v := range node.Props {
		m[k] = v
	}
	m["id"] = node.ID
	return m
}

func attrList(g *graph.Graph, s *graph.Set) []map[string]any {
	out := make([]map[string]any, 0, s.Len())
	for _, n := range s.Items() {
		out = append(out, attrs(g, n))
	}
	return out
}
