package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/tlsverify"
)

const (
	statusPath       = "/api/v2/status"
	maxStatusBody    = 1 << 20 // 1 MiB
	healthyStatus    = "healthy"
	idleConnsPerHost = 2
)

// statusResponse is the body of a replica's status endpoint.
type statusResponse struct {
	Status          string `json:"replica_health_status"`
	CertifiedHeight uint64 `json:"certified_height"`
}

// StatusChecker probes a node's status endpoint over HTTPS, authenticating
// the node with the same certificate-pinning verifier the routing snapshot
// feeds. A node whose certificate does not match its registry record fails
// its health check like any unreachable node.
type StatusChecker struct {
	verifier *tlsverify.Verifier
}

// NewStatusChecker creates a StatusChecker using the given pinning verifier.
func NewStatusChecker(verifier *tlsverify.Verifier) *StatusChecker {
	return &StatusChecker{verifier: verifier}
}

// Check fetches the node's status endpoint and reports its block height.
// A non-200 response, an unparseable body or a non-healthy self-reported
// status all count as a failed check.
func (c *StatusChecker) Check(ctx context.Context, node registry.Node) (*CheckResult, error) {
	// The TLS config carries the claimed node identity, so the transport is
	// built per check. Connections are not reused across checks; the probe
	// rate is low enough that this does not matter.
	transport := &http.Transport{
		TLSClientConfig:     c.verifier.ClientConfig(node.ID),
		MaxIdleConnsPerHost: idleConnsPerHost,
		IdleConnTimeout:     time.Second,
	}
	defer transport.CloseIdleConnections()

	url := fmt.Sprintf("https://%s%s", node.Addr(), statusPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request to %s failed: %w", node.Addr(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned status %d", node.ID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read status response from %s: %w", node.ID, err)
	}

	var status statusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("malformed status response from %s: %w", node.ID, err)
	}

	if status.Status != healthyStatus {
		return nil, fmt.Errorf("node %s reports status %q", node.ID, status.Status)
	}

	return &CheckResult{Height: status.CertifiedHeight}, nil
}
