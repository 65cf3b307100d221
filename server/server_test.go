package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/routegate/routegate/health"
	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/testutil"
)

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPListenAddress: "localhost:0",
		GRPCListenAddress: "localhost:0",
		EtcdEndpoints:     []string{"localhost:2379"},
		SnapshotInterval:  time.Second,
		Health: health.Config{
			CheckInterval:      time.Second,
			CheckTimeout:       time.Second,
			CheckRetries:       1,
			CheckRetryInterval: time.Millisecond,
			MinOkCount:         1,
			MaxHeightLag:       1000,
		},
	}
}

func TestNewServerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"missing http address", func(c *ServerConfig) { c.HTTPListenAddress = "" }},
		{"missing grpc address", func(c *ServerConfig) { c.GRPCListenAddress = "" }},
		{"no etcd endpoints", func(c *ServerConfig) { c.EtcdEndpoints = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testServerConfig()
			tt.mutate(config)
			if _, err := NewServer(config); err == nil {
				t.Errorf("NewServer() accepted an invalid configuration")
			}
		})
	}

	if _, err := NewServer(nil); err == nil {
		t.Error("NewServer(nil) succeeded")
	}
}

func TestNewServerDefaultsSnapshotInterval(t *testing.T) {
	config := testServerConfig()
	config.SnapshotInterval = 0

	if _, err := NewServer(config); err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if config.SnapshotInterval != 10*time.Second {
		t.Errorf("SnapshotInterval default = %v, want 10s", config.SnapshotInterval)
	}
}

// publishTestTopology pushes a registry snapshot through the server's builder
// and persister, as the routing loop would.
func publishTestTopology(t *testing.T, s *Server) {
	t.Helper()

	nodes := map[string]registry.Node{
		"n1": {ID: "n1", SubnetID: "subnet-a", Host: "10.0.0.1", Port: 8080},
	}
	snapshot := &registry.Snapshot{
		Version:   1,
		Timestamp: time.Now(),
		Subnets: []registry.Subnet{
			{
				ID:     "subnet-a",
				Ranges: []registry.CanisterRange{{Start: []byte{0x10}, End: []byte{0x20}}},
				Nodes:  []registry.Node{nodes["n1"]},
			},
		},
		Nodes: nodes,
	}
	s.publishedSnapshot.Store(snapshot)

	table := s.builder.Build(snapshot, map[string]struct{}{"n1": {}})
	if _, _, err := s.persister.Persist(table); err != nil {
		t.Fatalf("Persist() failed: %v", err)
	}
}

func TestServerLookupBeforePublish(t *testing.T) {
	s, err := NewServer(testServerConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	if s.Ready() {
		t.Error("Ready() = true before any routing snapshot was published")
	}

	subnet, err := s.Lookup([]byte{0x15})
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if subnet != nil {
		t.Errorf("Lookup() before publish = %+v, want nil", subnet)
	}
}

func TestServerLookupAfterPublish(t *testing.T) {
	s, err := NewServer(testServerConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	publishTestTopology(t, s)

	if !s.Ready() {
		t.Fatal("Ready() = false after a routing snapshot was published")
	}

	subnet, err := s.Lookup([]byte{0x15})
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if subnet == nil || subnet.ID != "subnet-a" {
		t.Fatalf("Lookup() = %+v, want subnet-a", subnet)
	}
	if len(subnet.Nodes) != 1 || subnet.Nodes[0].ID != "n1" {
		t.Errorf("subnet nodes = %v, want [n1]", subnet.Nodes)
	}

	subnet, err = s.Lookup([]byte{0x50})
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if subnet != nil {
		t.Errorf("Lookup() of an unowned id = %+v, want nil", subnet)
	}
}

func TestHTTPHealthz(t *testing.T) {
	s, err := NewServer(testServerConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	handler := s.httpHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestHTTPReady(t *testing.T) {
	s, err := NewServer(testServerConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	handler := s.httpHandler()

	// Not ready until the first routing snapshot lands.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /ready before publish = %d, want 503", rec.Code)
	}

	publishTestTopology(t, s)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /ready after publish = %d, want 200", rec.Code)
	}
}

func TestServerRunServesAdminEndpoints(t *testing.T) {
	config := testServerConfig()
	config.HTTPListenAddress = testutil.GetFreeAddress()
	config.GRPCListenAddress = testutil.GetFreeAddress()

	s, err := NewServer(config)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// The etcd endpoint does not have to answer for the admin surfaces to
	// come up; registry cycles just keep failing and retrying.
	url := fmt.Sprintf("http://%s/healthz", config.HTTPListenAddress)
	testutil.WaitFor(t, 10*time.Second, "HTTP server to start", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	s, err := NewServer(testServerConfig())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	handler := s.httpHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("GET /metrics returned an empty body")
	}
}
