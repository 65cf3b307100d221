package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/routegate/routegate/util/testutil"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const testEtcdAddr = "localhost:2379"

// seedRegistry writes a complete registry under a test-unique prefix and
// returns a cleanup that deletes it again.
func seedRegistry(t *testing.T, prefix string, version uint64, subnets map[string]subnetRecord, nodes map[string]Node) {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{testEtcdAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to etcd for seeding: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if _, err := cli.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean up etcd prefix %s: %v", prefix, err)
		}
		cli.Close()
	})

	ctx := context.Background()
	if _, err := cli.Put(ctx, prefix+"/version", fmt.Sprintf("%d", version)); err != nil {
		t.Fatalf("Failed to write version key: %v", err)
	}
	for id, record := range subnets {
		data, _ := json.Marshal(record)
		if _, err := cli.Put(ctx, prefix+"/subnets/"+id, string(data)); err != nil {
			t.Fatalf("Failed to write subnet record %s: %v", id, err)
		}
	}
	for id, node := range nodes {
		data, _ := json.Marshal(node)
		if _, err := cli.Put(ctx, prefix+"/nodes/"+id, string(data)); err != nil {
			t.Fatalf("Failed to write node record %s: %v", id, err)
		}
	}
}

// TestEtcdSourceFetch requires a running etcd instance at localhost:2379.
func TestEtcdSourceFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping etcd integration test in short mode")
	}

	prefix := fmt.Sprintf("/routegate-test/%d", time.Now().UnixNano())
	cert1 := testutil.GenerateNodeCertificate("n1")
	cert2 := testutil.GenerateNodeCertificate("n2")

	seedRegistry(t, prefix, 42,
		map[string]subnetRecord{
			"subnet-a": {
				Ranges: []CanisterRange{{Start: []byte{0x10}, End: []byte{0x20}}},
				Nodes:  []string{"n1", "n2"},
			},
		},
		map[string]Node{
			"n1": {Host: "10.0.0.1", Port: 8080, TLSCertificate: cert1},
			"n2": {Host: "10.0.0.2", Port: 8080, TLSCertificate: cert2},
		})

	source := NewEtcdSource([]string{testEtcdAddr}, prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := source.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer source.Close()

	version, err := source.LatestVersion(ctx)
	if err != nil {
		t.Fatalf("LatestVersion() failed: %v", err)
	}
	if version != 42 {
		t.Errorf("LatestVersion() = %d, want 42", version)
	}

	snapshot, err := source.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if snapshot.Version != 42 {
		t.Errorf("snapshot version = %d, want 42", snapshot.Version)
	}
	if len(snapshot.Subnets) != 1 || snapshot.Subnets[0].ID != "subnet-a" {
		t.Fatalf("snapshot subnets = %+v, want [subnet-a]", snapshot.Subnets)
	}
	if got := len(snapshot.Subnets[0].Nodes); got != 2 {
		t.Errorf("subnet-a has %d nodes, want 2", got)
	}

	node, ok := snapshot.Nodes["n1"]
	if !ok {
		t.Fatal("node n1 missing from the flat node map")
	}
	if node.SubnetID != "subnet-a" {
		t.Errorf("node n1 SubnetID = %q, want subnet-a", node.SubnetID)
	}
	if node.Addr() != "10.0.0.1:8080" {
		t.Errorf("node n1 Addr() = %q, want 10.0.0.1:8080", node.Addr())
	}
}

// TestEtcdSourceFetchRejectsDanglingNodeRef requires a running etcd instance.
func TestEtcdSourceFetchRejectsDanglingNodeRef(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping etcd integration test in short mode")
	}

	prefix := fmt.Sprintf("/routegate-test/%d", time.Now().UnixNano())
	seedRegistry(t, prefix, 1,
		map[string]subnetRecord{
			"subnet-a": {
				Ranges: []CanisterRange{{Start: []byte{0x10}, End: []byte{0x20}}},
				Nodes:  []string{"n1", "n-missing"},
			},
		},
		map[string]Node{
			"n1": {Host: "10.0.0.1", Port: 8080, TLSCertificate: testutil.GenerateNodeCertificate("n1")},
		})

	source := NewEtcdSource([]string{testEtcdAddr}, prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := source.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer source.Close()

	if _, err := source.Fetch(ctx); err == nil {
		t.Fatal("Fetch() accepted a subnet referencing a missing node record")
	}
}

// TestEtcdSourceWatchVersion requires a running etcd instance.
func TestEtcdSourceWatchVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping etcd integration test in short mode")
	}

	prefix := fmt.Sprintf("/routegate-test/%d", time.Now().UnixNano())
	seedRegistry(t, prefix, 1, nil, nil)

	source := NewEtcdSource([]string{testEtcdAddr}, prefix)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := source.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer source.Close()

	notify := source.WatchVersion(ctx)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{testEtcdAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer cli.Close()

	if _, err := cli.Put(context.Background(), prefix+"/version", "2"); err != nil {
		t.Fatalf("Failed to bump version key: %v", err)
	}

	select {
	case _, ok := <-notify:
		if !ok {
			t.Fatal("watch channel closed before delivering a notification")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification within 5s of a version bump")
	}
}
