package neighborhood

import (
	"slices"
	"strings"

	"github.com/carverauto/serviceradar/srql/internal/graph"
)

// ReservedPrefix marks device ids minted by the platform itself. Only such devices reporting
// to a collector can alias another collector.
const ReservedPrefix = "serviceradar:"

// resolveCollector treats seed as a collector. It returns nil when no such collector exists.
func resolveCollector(g *graph.Graph, seed string, _ Options) (*Document, error) {
	anchor, ok := g.Lookup(graph.Collector, seed)
	if !ok {
		return nil, nil
	}

	parents := graph.NewSet()
	parents.Add(g.Walk(anchor, graph.ReportedBy, graph.Out, graph.Collector)...)

	children := graph.NewSet()
	children.Add(g.Walk(anchor, graph.ReportedBy, graph.In, graph.Collector)...)

	// A platform device reporting to the seed may share its id with a collector node.
	for _, dev := range g.Neighbors(anchor, graph.ReportedBy, graph.In, graph.Device) {
		id := g.Node(dev).ID
		if !strings.HasPrefix(id, ReservedPrefix) {
			continue
		}
		if alias, ok := g.Lookup(graph.Collector, id); ok {
			children.Add(alias)
		}
	}

	hosts := graph.NewSet()
	hosts.Add(anchor)
	hosts.Add(children.Items()...)

	doc := newDocument(g, anchor)
	services := graph.NewSet()
	targets := graph.NewSet()
	svcCaps := graph.NewSet()
	for _, host := range hosts.Items() {
		for _, svc := range g.Neighbors(host, graph.HostsService, graph.Out, graph.Service) {
			targets.Add(g.Neighbors(svc, graph.Targets, graph.Out, graph.Device)...)
			svcCaps.Add(g.Neighbors(svc, graph.ProvidesCapability, graph.Out, graph.Capability)...)
			if services.Has(svc) {
				continue
			}
			services.Add(svc)
			doc.Services = append(doc.Services, ServiceEntry{
				Service:        attrs(g, svc),
				CollectorID:    g.Node(host).ID,
				CollectorOwned: true,
			})
		}
		targets.Add(g.Neighbors(host, graph.ReportedBy, graph.In, graph.Device)...)
	}

	collectors := graph.NewSet()
	collectors.Add(parents.Items()...)
	collectors.Add(children.Items()...)

	doc.Collectors = attrList(g, collectors)
	doc.Targets = attrList(g, targets)
	doc.ServiceCapabilities = attrList(g, svcCaps)
	return doc, nil
}

// resolveDevice treats seed as a device. Services are those hosted by the collectors the device
// reports to; a reporting collector counts as a host only when one of its services targets the
// device. It returns nil when no such device exists, and ErrExcluded when
// opts.CollectorOwnedOnly is set and the device has no collector.
func resolveDevice(g *graph.Graph, seed string, opts Options) (*Document, error) {
	anchor, ok := g.Lookup(graph.Device, seed)
	if !ok {
		return nil, nil
	}

	reporting := g.Neighbors(anchor, graph.ReportedBy, graph.Out, graph.Collector)

	doc := newDocument(g, anchor)
	services := graph.NewSet()
	targets := graph.NewSet()
	svcCaps := graph.NewSet()
	hostCollectors := graph.NewSet()
	for _, col := range reporting {
		for _, svc := range g.Neighbors(col, graph.HostsService, graph.Out, graph.Service) {
			svcTargets := g.Neighbors(svc, graph.Targets, graph.Out, graph.Device)
			if slices.Contains(svcTargets, anchor) {
				hostCollectors.Add(col)
			}
			if services.Has(svc) {
				continue
			}
			services.Add(svc)
			doc.Services = append(doc.Services, ServiceEntry{
				Service:        attrs(g, svc),
				CollectorID:    g.Node(col).ID,
				CollectorOwned: true,
			})
			targets.Add(svcTargets...)
			svcCaps.Add(g.Neighbors(svc, graph.ProvidesCapability, graph.Out, graph.Capability)...)
		}
	}

	collectors := graph.NewSet()
	collectors.Add(reporting...)
	for _, host := range hostCollectors.Items() {
		collectors.Add(g.Neighbors(host, graph.ReportedBy, graph.Out, graph.Collector)...)
	}
	if opts.CollectorOwnedOnly && collectors.Len() == 0 {
		return nil, ErrExcluded
	}

	devCaps := graph.NewSet()
	devCaps.Add(g.Neighbors(anchor, graph.ProvidesCapability, graph.Out, graph.Capability)...)

	if opts.IncludeTopology {
		ifaces := graph.NewSet()
		ifaces.Add(g.Neighbors(anchor, graph.HasInterface, graph.Out, graph.Interface)...)
		peers := graph.NewSet()
		for _, iface := range ifaces.Items() {
			for _, dir := range []graph.Direction{graph.Out, graph.In} {
				for _, peer := range g.Neighbors(iface, graph.ConnectsTo, dir, graph.Interface) {
					if !ifaces.Has(peer) {
						peers.Add(peer)
					}
				}
			}
		}
		doc.Interfaces = attrList(g, ifaces)
		doc.PeerInterfaces = attrList(g, peers)
	}

	doc.Collectors = attrList(g, collectors)
	doc.Targets = attrList(g, targets)
	doc.DeviceCapabilities = attrList(g, devCaps)
	doc.ServiceCapabilities = attrList(g, svcCaps)
	return doc, nil
}

// resolveService treats seed as a service. It returns nil when no such service exists, and
// ErrExcluded when opts.CollectorOwnedOnly is set and no collector owns it.
func resolveService(g *graph.Graph, seed string, opts Options) (*Document, error) {
	anchor, ok := g.Lookup(graph.Service, seed)
	if !ok {
		return nil, nil
	}

	owners := g.Neighbors(anchor, graph.HostsService, graph.In, graph.Collector)
	collectors := graph.NewSet()
	collectors.Add(owners...)
	for _, owner := range owners {
		collectors.Add(g.Walk(owner, graph.ReportedBy, graph.Out, graph.Collector)...)
	}
	if opts.CollectorOwnedOnly && collectors.Len() == 0 {
		return nil, ErrExcluded
	}

	targets := graph.NewSet()
	targets.Add(g.Neighbors(anchor, graph.Targets, graph.Out, graph.Device)...)
	svcCaps := graph.NewSet()
	svcCaps.Add(g.Neighbors(anchor, graph.ProvidesCapability, graph.Out, graph.Capability)...)

	doc := newDocument(g, anchor)
	entry := ServiceEntry{Service: attrs(g, anchor), CollectorOwned: collectors.Len() > 0}
	if len(owners) > 0 {
		entry.CollectorID = g.Node(owners[0]).ID
	}
	doc.Services = []ServiceEntry{entry}
	doc.Collectors = attrList(g, collectors)
	doc.Targets = attrList(g, targets)
	doc.ServiceCapabilities = attrList(g, svcCaps)
	return doc, nil
}
