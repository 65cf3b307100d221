// Package health tracks per-node health. A periodic monitor probes every
// node known to the published registry snapshot and maintains a
// consecutive-success counter and last observed block height per node.
// The topology builder consumes only the eligibility verdicts; nothing else
// reads or writes the records.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/logger"
	"github.com/routegate/routegate/util/metrics"
)

// Config holds the health check policy.
type Config struct {
	// CheckInterval is the cadence of full check cycles
	CheckInterval time.Duration
	// CheckTimeout bounds a single check attempt
	CheckTimeout time.Duration
	// CheckRetries is the number of attempts per node per cycle
	CheckRetries int
	// CheckRetryInterval is the sleep between attempts
	CheckRetryInterval time.Duration
	// MinOkCount is the number of consecutive successful checks required
	// before a node becomes eligible
	MinOkCount int
	// MaxHeightLag is how far behind the maximum observed block height a
	// node may report before it is suppressed
	MaxHeightLag uint64
}

// Validate applies defaults and checks the policy.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Second
	}
	if c.CheckRetries <= 0 {
		c.CheckRetries = 3
	}
	if c.CheckRetryInterval <= 0 {
		c.CheckRetryInterval = time.Second
	}
	if c.MinOkCount <= 0 {
		c.MinOkCount = 1
	}
	if c.MaxHeightLag == 0 {
		c.MaxHeightLag = 1000
	}
	return nil
}

// CheckResult is the successful outcome of one node probe.
type CheckResult struct {
	// Height is the block height the node reported
	Height uint64
}

// Checker probes a single node once. Implementations must respect the
// context deadline.
type Checker interface {
	Check(ctx context.Context, node registry.Node) (*CheckResult, error)
}

// record is the per-node health state. Created on first sight of a node id,
// updated every cycle, discarded when the node disappears from the registry.
type record struct {
	okCount int
	height  uint64
}

// Monitor runs health check cycles. Records are owned exclusively by the
// monitor; EligibleSet is the only way other components observe them.
type Monitor struct {
	config   Config
	checker  Checker
	snapshot func() *registry.Snapshot
	logger   *logger.Logger

	mu      sync.Mutex
	records map[string]*record
}

// NewMonitor creates a Monitor. snapshot returns the currently published
// registry snapshot (nil before the first publish); the monitor never holds
// on to one across cycles.
func NewMonitor(config Config, checker Checker, snapshot func() *registry.Snapshot) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		config:   config,
		checker:  checker,
		snapshot: snapshot,
		logger:   logger.NewLogger("HealthMonitor"),
		records:  make(map[string]*record),
	}, nil
}

// Run executes check cycles on the configured interval until the context is
// cancelled. Cancellation is observed between cycles, never mid-cycle.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		m.CheckOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce runs one full check cycle over all nodes in the current
// snapshot. Nodes are checked concurrently; a failing node only affects its
// own record, total unreachability is state, not an error.
func (m *Monitor) CheckOnce(ctx context.Context) {
	snapshot := m.snapshot()
	if snapshot == nil {
		m.logger.Debugf("No registry snapshot published yet, skipping check cycle")
		return
	}

	type outcome struct {
		nodeID string
		height uint64
		err    error
	}

	results := make(chan outcome, len(snapshot.Nodes))
	var wg sync.WaitGroup
	for _, node := range snapshot.Nodes {
		wg.Add(1)
		go func(node registry.Node) {
			defer wg.Done()
			height, err := m.checkNode(ctx, node)
			results <- outcome{nodeID: node.ID, height: height, err: err}
		}(node)
	}
	wg.Wait()
	close(results)

	m.mu.Lock()
	defer m.mu.Unlock()

	for out := range results {
		rec, ok := m.records[out.nodeID]
		if !ok {
			rec = &record{}
			m.records[out.nodeID] = rec
		}

		if out.err != nil {
			// A single failure resets the consecutive-success counter;
			// it is never escalated beyond this record.
			if rec.okCount > 0 {
				m.logger.Warnf("Node %s failed health check after %d consecutive successes: %v",
					out.nodeID, rec.okCount, out.err)
			}
			rec.okCount = 0
			continue
		}

		rec.okCount++
		rec.height = out.height
	}

	// Discard records of nodes that left the registry.
	for nodeID := range m.records {
		if _, ok := snapshot.Nodes[nodeID]; !ok {
			delete(m.records, nodeID)
		}
	}

	metrics.SetHealthyNodes(len(m.eligibleLocked()))
}

// checkNode probes one node with the configured retries, sleeping the retry
// interval between attempts. Each attempt is bounded by CheckTimeout.
func (m *Monitor) checkNode(ctx context.Context, node registry.Node) (uint64, error) {
	var lastErr error

	for attempt := 0; attempt < m.config.CheckRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.config.CheckRetryInterval):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
		result, err := m.checker.Check(attemptCtx, node)
		cancel()

		if err != nil {
			metrics.RecordHealthCheck("error", time.Since(start).Seconds())
			lastErr = err
			continue
		}

		metrics.RecordHealthCheck("ok", time.Since(start).Seconds())
		return result.Height, nil
	}

	return 0, lastErr
}

// EligibleSet returns the ids of nodes that currently pass the eligibility
// policy: at least MinOkCount consecutive successful checks and a block
// height no more than MaxHeightLag behind the maximum observed height.
func (m *Monitor) EligibleSet() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eligibleLocked()
}

func (m *Monitor) eligibleLocked() map[string]struct{} {
	var maxHeight uint64
	for _, rec := range m.records {
		if rec.okCount >= m.config.MinOkCount && rec.height > maxHeight {
			maxHeight = rec.height
		}
	}

	eligible := make(map[string]struct{}, len(m.records))
	for nodeID, rec := range m.records {
		if rec.okCount < m.config.MinOkCount {
			continue
		}
		if maxHeight-rec.height > m.config.MaxHeightLag {
			continue
		}
		eligible[nodeID] = struct{}{}
	}
	return eligible
}
