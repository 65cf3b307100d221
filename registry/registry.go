// Package registry defines the topology data model of the replica network
// and the machinery that turns an external registry (etcd) into versioned,
// immutable, atomically published snapshots. Everything downstream (the
// routing table builder, the health monitor and the TLS pinning verifier)
// only ever reads published snapshots.
package registry

import (
	"net"
	"strconv"
	"time"
)

// CanisterRange is a closed interval [Start, End] of canister identifiers
// owned by a subnet. Start and End are raw principal bytes (at most 29 bytes).
type CanisterRange struct {
	Start []byte `json:"start"`
	End   []byte `json:"end"`
}

// Node is one replica process: a stable identity, a network endpoint and the
// DER-encoded TLS certificate registered for it. The certificate bytes are
// the pinning target for upstream TLS verification.
type Node struct {
	ID             string `json:"id"`
	SubnetID       string `json:"subnet_id"`
	Host           string `json:"host"`
	Port           uint16 `json:"port"`
	TLSCertificate []byte `json:"tls_certificate"`
}

// Addr returns the node's "host:port" endpoint.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}

// Subnet is a group of nodes collectively responsible for a set of
// canister-id ranges. Ranges of different subnets never overlap in a
// well-formed registry.
type Subnet struct {
	ID     string          `json:"id"`
	Ranges []CanisterRange `json:"ranges"`
	Nodes  []Node          `json:"nodes"`
}

// Snapshot is one immutable, versioned view of the whole topology.
// Nodes duplicates the subnet membership as a flat id-keyed map so the
// TLS verifier can resolve a claimed node identity without scanning subnets.
//
// A Snapshot must never be mutated after it has been published.
type Snapshot struct {
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Subnets   []Subnet        `json:"subnets"`
	Nodes     map[string]Node `json:"nodes"`
}

// NodeCount returns the total number of nodes across all subnets.
func (s *Snapshot) NodeCount() int {
	count := 0
	for _, subnet := range s.Subnets {
		count += len(subnet.Nodes)
	}
	return count
}
