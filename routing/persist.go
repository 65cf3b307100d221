package routing

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/logger"
	"github.com/routegate/routegate/util/metrics"
)

// RouteSubnet is one flattened (subnet id, range, node list) entry of the
// published table. A subnet owning K ranges appears as K entries sharing
// the same node list, which is what makes a single sorted slice plus binary
// search sufficient for lookup.
type RouteSubnet struct {
	ID         string
	RangeStart Key
	RangeEnd   Key
	Nodes      []registry.Node
}

// Routes is the immutable published routing snapshot. Subnets is sorted
// ascending by RangeStart; NodeCount is the total across subnets, not across
// flattened entries. A Routes must never be mutated once published.
type Routes struct {
	NodeCount uint32
	Subnets   []*RouteSubnet
}

// Lookup binary-searches for the subnet owning the given canister id.
// A miss is not an error: it returns (nil, nil), meaning no subnet owns the
// id. An error is returned only for a malformed identifier.
func (r *Routes) Lookup(canisterID []byte) (*RouteSubnet, error) {
	key, err := KeyFromPrincipal(canisterID)
	if err != nil {
		return nil, fmt.Errorf("invalid canister id: %w", err)
	}

	if r == nil || len(r.Subnets) == 0 {
		return nil, nil
	}

	// Find the first entry with RangeStart >= key.
	idx := sort.Search(len(r.Subnets), func(i int) bool {
		return r.Subnets[i].RangeStart.Compare(key) >= 0
	})

	// Exact match on a range start selects that entry. Otherwise the
	// candidate is the previous entry; ids below the very first range start
	// probe entry 0 and fail the bounds check below instead of indexing out
	// of range.
	if idx == len(r.Subnets) || r.Subnets[idx].RangeStart.Compare(key) != 0 {
		if idx > 0 {
			idx--
		} else {
			idx = 0
		}
	}

	// The search only locates the nearest range start, not a guaranteed
	// containing range, so the bounds check is mandatory.
	subnet := r.Subnets[idx]
	if key.Compare(subnet.RangeStart) < 0 || key.Compare(subnet.RangeEnd) > 0 {
		return nil, nil
	}

	return subnet, nil
}

// PersistStatus is the outcome of one persist call.
type PersistStatus int

const (
	// PersistStatusCompleted means a new routing snapshot was published
	PersistStatusCompleted PersistStatus = iota
	// PersistStatusSkippedEmpty means the input table had no subnets and the
	// previously published snapshot was left in place
	PersistStatusSkippedEmpty
)

// String returns the metric label for the status.
func (s PersistStatus) String() string {
	switch s {
	case PersistStatusCompleted:
		return "completed"
	case PersistStatusSkippedEmpty:
		return "skipped_empty"
	default:
		return "unknown"
	}
}

// PersistResults carries before/after counts for observability.
type PersistResults struct {
	RangesOld uint32
	RangesNew uint32
	NodesOld  uint32
	NodesNew  uint32
}

// Persister is the single point where a RoutingTable becomes the globally
// visible Routes snapshot. Publication is one atomic pointer store; readers
// never lock and never observe a partially built table.
type Persister struct {
	published *atomic.Pointer[Routes]
	logger    *logger.Logger
}

// NewPersister creates a Persister publishing into the given cell.
func NewPersister(published *atomic.Pointer[Routes]) *Persister {
	return &Persister{
		published: published,
		logger:    logger.NewLogger("Persister"),
	}
}

// Published returns the currently published Routes, or nil before the first
// successful persist.
func (p *Persister) Published() *Routes {
	return p.published.Load()
}

// Persist flattens, sorts and publishes a routing table.
//
// An input table with no subnets at all is treated as a degenerate update:
// nothing is published and PersistStatusSkippedEmpty is returned, so an
// upstream hiccup cannot overwrite a good snapshot with an empty one.
// Malformed range bounds and overlapping ranges across subnets are
// data-integrity errors and abort the persist before anything is published.
func (p *Persister) Persist(table *RoutingTable) (PersistStatus, *PersistResults, error) {
	if len(table.Subnets) == 0 {
		p.logger.Warnf("Routing table is empty, keeping previously published snapshot")
		metrics.RecordPersist(PersistStatusSkippedEmpty.String())
		return PersistStatusSkippedEmpty, nil, nil
	}

	var nodeCount uint32
	entries := make([]*RouteSubnet, 0, len(table.Subnets))

	for _, subnet := range table.Subnets {
		nodeCount += uint32(len(subnet.Nodes))

		// One shared clone per subnet; the flattened entries reference it.
		nodes := make([]registry.Node, len(subnet.Nodes))
		copy(nodes, subnet.Nodes)

		for _, r := range subnet.Ranges {
			start, err := KeyFromPrincipal(r.Start)
			if err != nil {
				return 0, nil, fmt.Errorf("subnet %s: invalid range start: %w", subnet.ID, err)
			}
			end, err := KeyFromPrincipal(r.End)
			if err != nil {
				return 0, nil, fmt.Errorf("subnet %s: invalid range end: %w", subnet.ID, err)
			}
			if start.Compare(end) > 0 {
				return 0, nil, fmt.Errorf("subnet %s: range start %s is above range end %s", subnet.ID, start, end)
			}

			entries = append(entries, &RouteSubnet{
				ID:         subnet.ID,
				RangeStart: start,
				RangeEnd:   end,
				Nodes:      nodes,
			})
		}
	}

	// The only place where sort order is established.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RangeStart.Compare(entries[j].RangeStart) < 0
	})

	// Ranges never overlap across subnets in a well-formed registry; a
	// violation is a data-integrity error, not ambiguity to paper over.
	for i := 1; i < len(entries); i++ {
		if entries[i].RangeStart.Compare(entries[i-1].RangeEnd) <= 0 {
			return 0, nil, fmt.Errorf("overlapping canister ranges: subnet %s range starting at %s intersects subnet %s range ending at %s",
				entries[i].ID, entries[i].RangeStart, entries[i-1].ID, entries[i-1].RangeEnd)
		}
	}

	routes := &Routes{
		NodeCount: nodeCount,
		Subnets:   entries,
	}

	results := &PersistResults{
		RangesNew: uint32(len(routes.Subnets)),
		NodesNew:  routes.NodeCount,
	}
	if old := p.published.Load(); old != nil {
		results.RangesOld = uint32(len(old.Subnets))
		results.NodesOld = old.NodeCount
	}

	p.published.Store(routes)

	metrics.RecordPersist(PersistStatusCompleted.String())
	metrics.SetRouteCounts(results.RangesNew, results.NodesNew)
	p.logger.Infof("Routing table published: ranges %d -> %d, nodes %d -> %d",
		results.RangesOld, results.RangesNew, results.NodesOld, results.NodesNew)

	return PersistStatusCompleted, results, nil
}
