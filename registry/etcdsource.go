package registry

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/routegate/routegate/util/backoff"
	"github.com/routegate/routegate/util/logger"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DefaultPrefix is the default root path for all registry keys in etcd
	DefaultPrefix = "/routegate/registry"

	dialTimeout  = 5 * time.Second
	fetchTimeout = 10 * time.Second
)

// Source provides versioned topology snapshots from an external registry.
// The Snapshotter drives it; implementations must be safe for concurrent use.
type Source interface {
	// LatestVersion returns the most recent registry version available.
	LatestVersion(ctx context.Context) (uint64, error)

	// Fetch assembles a full topology snapshot at the latest version.
	Fetch(ctx context.Context) (*Snapshot, error)
}

// subnetRecord is the etcd value stored under <prefix>/subnets/<id>.
// Nodes are referenced by id; the full node records live under
// <prefix>/nodes/<id>.
type subnetRecord struct {
	Ranges []CanisterRange `json:"ranges"`
	Nodes  []string        `json:"nodes"`
}

// EtcdSource reads the registry from etcd. Layout under the prefix:
//
//	<prefix>/version          decimal registry version, bumped on every change
//	<prefix>/subnets/<id>     JSON subnetRecord
//	<prefix>/nodes/<id>       JSON Node (without the id field duplicated)
type EtcdSource struct {
	client    *clientv3.Client
	endpoints []string
	prefix    string
	logger    *logger.Logger
}

// NewEtcdSource creates a registry source backed by etcd. If prefix is empty,
// DefaultPrefix is used.
func NewEtcdSource(endpoints []string, prefix string) *EtcdSource {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EtcdSource{
		endpoints: endpoints,
		prefix:    prefix,
		logger:    logger.NewLogger("EtcdSource"),
	}
}

// Connect establishes the etcd client connection, retrying with exponential
// backoff until it succeeds or the context is cancelled.
func (s *EtcdSource) Connect(ctx context.Context) error {
	bo := backoff.New(500*time.Millisecond, 10*time.Second, 2.0)

	for {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   s.endpoints,
			DialTimeout: dialTimeout,
		})
		if err == nil {
			s.client = cli
			s.logger.Infof("Connected to etcd at %v (prefix %s)", s.endpoints, s.prefix)
			return nil
		}

		s.logger.Warnf("Failed to connect to etcd at %v: %v, retrying in %v",
			s.endpoints, err, bo.CurrentDelay())
		if werr := bo.Wait(ctx); werr != nil {
			return fmt.Errorf("giving up connecting to etcd: %w", err)
		}
	}
}

// Close closes the etcd client.
func (s *EtcdSource) Close() error {
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *EtcdSource) versionKey() string {
	return s.prefix + "/version"
}

func (s *EtcdSource) subnetsPrefix() string {
	return s.prefix + "/subnets/"
}

func (s *EtcdSource) nodesPrefix() string {
	return s.prefix + "/nodes/"
}

// LatestVersion reads the registry version key.
func (s *EtcdSource) LatestVersion(ctx context.Context) (uint64, error) {
	if s.client == nil {
		return 0, fmt.Errorf("etcd client not connected")
	}

	resp, err := s.client.Get(ctx, s.versionKey())
	if err != nil {
		return 0, fmt.Errorf("failed to get registry version: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, fmt.Errorf("registry version key %s not found", s.versionKey())
	}

	version, err := strconv.ParseUint(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed registry version %q: %w", resp.Kvs[0].Value, err)
	}
	return version, nil
}

// Fetch reads all subnet and node records and assembles a Snapshot.
// Every node certificate must parse as X.509 DER and every node id referenced
// by a subnet must have a node record, otherwise the fetch fails as a whole.
func (s *EtcdSource) Fetch(ctx context.Context) (*Snapshot, error) {
	if s.client == nil {
		return nil, fmt.Errorf("etcd client not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	version, err := s.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}

	nodes, err := s.fetchNodes(ctx)
	if err != nil {
		return nil, err
	}

	subnets, err := s.fetchSubnets(ctx, nodes)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Version:   version,
		Timestamp: time.Now(),
		Subnets:   subnets,
		Nodes:     nodes,
	}, nil
}

func (s *EtcdSource) fetchNodes(ctx context.Context) (map[string]Node, error) {
	resp, err := s.client.Get(ctx, s.nodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list node records: %w", err)
	}

	nodes := make(map[string]Node, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodeID := strings.TrimPrefix(string(kv.Key), s.nodesPrefix())

		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			return nil, fmt.Errorf("malformed node record %s: %w", nodeID, err)
		}
		node.ID = nodeID

		if node.Host == "" || node.Port == 0 {
			return nil, fmt.Errorf("node %s has no endpoint", nodeID)
		}
		if _, err := x509.ParseCertificate(node.TLSCertificate); err != nil {
			return nil, fmt.Errorf("node %s has an unparseable TLS certificate: %w", nodeID, err)
		}

		nodes[nodeID] = node
	}
	return nodes, nil
}

func (s *EtcdSource) fetchSubnets(ctx context.Context, nodes map[string]Node) ([]Subnet, error) {
	resp, err := s.client.Get(ctx, s.subnetsPrefix(), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list subnet records: %w", err)
	}

	subnets := make([]Subnet, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		subnetID := strings.TrimPrefix(string(kv.Key), s.subnetsPrefix())

		var record subnetRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("malformed subnet record %s: %w", subnetID, err)
		}

		subnet := Subnet{
			ID:     subnetID,
			Ranges: record.Ranges,
			Nodes:  make([]Node, 0, len(record.Nodes)),
		}
		for _, nodeID := range record.Nodes {
			node, ok := nodes[nodeID]
			if !ok {
				return nil, fmt.Errorf("subnet %s references unknown node %s", subnetID, nodeID)
			}
			node.SubnetID = subnetID
			nodes[nodeID] = node
			subnet.Nodes = append(subnet.Nodes, node)
		}
		subnets = append(subnets, subnet)
	}
	return subnets, nil
}

// WatchVersion watches the registry version key and sends a notification on
// the returned channel whenever it changes. The channel is closed when the
// context is cancelled. Notifications are best-effort: if the receiver is
// slow, intermediate updates are dropped.
func (s *EtcdSource) WatchVersion(ctx context.Context) <-chan struct{} {
	notify := make(chan struct{}, 1)

	if s.client == nil {
		s.logger.Errorf("WatchVersion called before Connect")
		close(notify)
		return notify
	}

	watchChan := s.client.Watch(ctx, s.versionKey())
	go func() {
		defer close(notify)
		for resp := range watchChan {
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			}
		}
	}()
	return notify
}
