// Package routing builds and publishes the routing table of the boundary
// node: which subnet owns which canister-id ranges, and which of that
// subnet's nodes are currently healthy enough to receive traffic. The
// published form is an immutable, sorted, binary-search-ready snapshot
// swapped atomically under concurrent readers.
package routing

import (
	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/logger"
)

// SubnetTopology is one subnet's pre-publish state: its canister-id ranges
// and the nodes that passed the eligibility policy this cycle.
type SubnetTopology struct {
	ID     string
	Ranges []registry.CanisterRange
	Nodes  []registry.Node
}

// RoutingTable is the product of one build cycle. It is handed to the
// Persister and discarded; nothing outside the builder mutates it.
type RoutingTable struct {
	RegistryVersion uint64
	Subnets         []SubnetTopology
}

// Builder materializes a RoutingTable from a registry snapshot and the
// current set of eligible nodes.
type Builder struct {
	logger *logger.Logger
}

// NewBuilder creates a topology builder.
func NewBuilder() *Builder {
	return &Builder{
		logger: logger.NewLogger("TopologyBuilder"),
	}
}

// Build intersects each subnet's registered nodes with the eligible set.
// A subnet whose nodes are all ineligible is still emitted with an empty
// node list: its ranges must keep resolving (to "no healthy node") rather
// than silently vanish from the address space. Build is idempotent: the
// same snapshot and eligible set produce a structurally equal table.
func (b *Builder) Build(snapshot *registry.Snapshot, eligible map[string]struct{}) *RoutingTable {
	table := &RoutingTable{
		RegistryVersion: snapshot.Version,
		Subnets:         make([]SubnetTopology, 0, len(snapshot.Subnets)),
	}

	for _, subnet := range snapshot.Subnets {
		topology := SubnetTopology{
			ID:     subnet.ID,
			Ranges: subnet.Ranges,
			Nodes:  make([]registry.Node, 0, len(subnet.Nodes)),
		}
		for _, node := range subnet.Nodes {
			if _, ok := eligible[node.ID]; ok {
				topology.Nodes = append(topology.Nodes, node)
			}
		}

		if len(topology.Nodes) == 0 {
			b.logger.Warnf("Subnet %s has no eligible nodes (%d registered)", subnet.ID, len(subnet.Nodes))
		}
		table.Subnets = append(table.Subnets, topology)
	}

	return table
}
