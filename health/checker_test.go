package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/tlsverify"
)

// startStatusServer runs a TLS test server answering the replica status
// endpoint and returns the node record describing it, with the server's own
// certificate pinned.
func startStatusServer(t *testing.T, nodeID string, body string, code int) (*httptest.Server, registry.Node) {
	t.Helper()

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return ts, registry.Node{
		ID:             nodeID,
		Host:           host,
		Port:           uint16(port),
		TLSCertificate: ts.Certificate().Raw,
	}
}

func verifierFor(nodes ...registry.Node) *tlsverify.Verifier {
	m := make(map[string]registry.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	var cell atomic.Pointer[registry.Snapshot]
	cell.Store(&registry.Snapshot{Version: 1, Timestamp: time.Now(), Nodes: m})
	return tlsverify.New(&cell)
}

func TestStatusCheckerHealthyNode(t *testing.T) {
	_, node := startStatusServer(t, "n1",
		`{"replica_health_status":"healthy","certified_height":1234}`, http.StatusOK)

	checker := NewStatusChecker(verifierFor(node))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := checker.Check(ctx, node)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if result.Height != 1234 {
		t.Errorf("Height = %d, want 1234", result.Height)
	}
}

func TestStatusCheckerUnhealthyStatus(t *testing.T) {
	_, node := startStatusServer(t, "n1",
		`{"replica_health_status":"certified_state_behind","certified_height":10}`, http.StatusOK)

	checker := NewStatusChecker(verifierFor(node))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := checker.Check(ctx, node); err == nil {
		t.Fatal("Check() accepted a node reporting a non-healthy status")
	}
}

func TestStatusCheckerHTTPError(t *testing.T) {
	_, node := startStatusServer(t, "n1", `oops`, http.StatusInternalServerError)

	checker := NewStatusChecker(verifierFor(node))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := checker.Check(ctx, node); err == nil {
		t.Fatal("Check() accepted a 500 response")
	}
}

func TestStatusCheckerRejectsWrongCertificate(t *testing.T) {
	_, node := startStatusServer(t, "n1",
		`{"replica_health_status":"healthy","certified_height":1}`, http.StatusOK)

	// Pin a different certificate for the node: the handshake itself must
	// fail, so an impostor cannot even answer the health check.
	pinned := node
	pinned.TLSCertificate = []byte("not-the-server-certificate")
	checker := NewStatusChecker(verifierFor(pinned))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := checker.Check(ctx, node); err == nil {
		t.Fatal("Check() succeeded against a node with a mismatched certificate")
	}
}

func TestStatusCheckerUnreachableNode(t *testing.T) {
	checker := NewStatusChecker(verifierFor())

	node := registry.Node{ID: "n1", Host: "127.0.0.1", Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := checker.Check(ctx, node); err == nil {
		t.Fatal("Check() succeeded against an unreachable node")
	}
}
