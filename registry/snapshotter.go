package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/routegate/routegate/util/logger"
	"github.com/routegate/routegate/util/metrics"
)

// SnapshotStatus is the outcome of one snapshot cycle.
type SnapshotStatus int

const (
	// SnapshotStatusPublished means a new snapshot was published
	SnapshotStatusPublished SnapshotStatus = iota
	// SnapshotStatusNoNewVersion means the published snapshot is already current
	SnapshotStatusNoNewVersion
	// SnapshotStatusNotOldEnough means the registry version is still settling
	// and the initial publish is held back
	SnapshotStatusNotOldEnough
	// SnapshotStatusBelowMinVersion means the available version is below the
	// configured processing floor
	SnapshotStatusBelowMinVersion
)

// String returns the metric label for the status.
func (s SnapshotStatus) String() string {
	switch s {
	case SnapshotStatusPublished:
		return "published"
	case SnapshotStatusNoNewVersion:
		return "no_new_version"
	case SnapshotStatusNotOldEnough:
		return "not_old_enough"
	case SnapshotStatusBelowMinVersion:
		return "below_min_version"
	default:
		return "unknown"
	}
}

// SnapshotInfo summarizes one snapshot for before/after reporting.
type SnapshotInfo struct {
	Version uint64
	Subnets int
	Nodes   int
}

// SnapshotResult is the outcome of Snapshotter.Snapshot. Old is nil when no
// snapshot was published before; New is set only when Status is Published.
type SnapshotResult struct {
	Status SnapshotStatus
	Old    *SnapshotInfo
	New    *SnapshotInfo
}

// SnapshotStore persists published snapshots outside the process.
// Persistence failures are logged, not escalated: the store is an
// observability aid, not part of the publish path.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error
}

// Snapshotter periodically turns the registry Source into published
// snapshots. Publication is a single atomic pointer store; readers
// (routing builder, health monitor, TLS verifier) load the pointer
// lock-free and never observe a partially built snapshot.
//
// Before the very first publish the Snapshotter waits for the registry
// version to stop changing for minVersionAge, so a node that is still
// syncing its registry copy does not go online with a half-synced view.
type Snapshotter struct {
	source    Source
	published *atomic.Pointer[Snapshot]
	logger    *logger.Logger

	minVersion    uint64
	minVersionAge time.Duration

	versionAvailable  uint64
	versionPublished  uint64
	lastVersionChange time.Time

	store SnapshotStore
}

// NewSnapshotter creates a Snapshotter publishing into the given cell.
// minVersion is the lowest registry version that will be processed;
// minVersionAge is how long the available version must remain unchanged
// before the first publish is allowed (0 disables the gate).
func NewSnapshotter(source Source, published *atomic.Pointer[Snapshot], minVersion uint64, minVersionAge time.Duration) *Snapshotter {
	return &Snapshotter{
		source:        source,
		published:     published,
		logger:        logger.NewLogger("Snapshotter"),
		minVersion:    minVersion,
		minVersionAge: minVersionAge,
	}
}

// SetStore attaches an optional snapshot store, written on every publish.
func (s *Snapshotter) SetStore(store SnapshotStore) {
	s.store = store
}

// Published returns the currently published snapshot, or nil before the
// first successful cycle.
func (s *Snapshotter) Published() *Snapshot {
	return s.published.Load()
}

// Snapshot runs one cycle: check the available registry version, apply the
// version floor and the initial settling gate, and publish a fresh snapshot
// if the version moved. It is not safe for concurrent use; the refresh loop
// is its only caller.
func (s *Snapshotter) Snapshot(ctx context.Context) (*SnapshotResult, error) {
	version, err := s.source.LatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest registry version: %w", err)
	}

	if version != s.versionAvailable {
		s.versionAvailable = version
		s.lastVersionChange = time.Now()
	}

	if version < s.minVersion {
		return &SnapshotResult{Status: SnapshotStatusBelowMinVersion}, nil
	}

	// Hold back the initial publish until the version has settled.
	if s.published.Load() == nil && time.Since(s.lastVersionChange) < s.minVersionAge {
		return &SnapshotResult{Status: SnapshotStatusNotOldEnough}, nil
	}

	if version == s.versionPublished {
		return &SnapshotResult{Status: SnapshotStatusNoNewVersion}, nil
	}

	snapshot, err := s.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch registry snapshot: %w", err)
	}

	result := &SnapshotResult{
		Status: SnapshotStatusPublished,
		New: &SnapshotInfo{
			Version: snapshot.Version,
			Subnets: len(snapshot.Subnets),
			Nodes:   len(snapshot.Nodes),
		},
	}
	if old := s.published.Load(); old != nil {
		result.Old = &SnapshotInfo{
			Version: old.Version,
			Subnets: len(old.Subnets),
			Nodes:   len(old.Nodes),
		}
	}

	s.published.Store(snapshot)
	s.versionPublished = snapshot.Version
	metrics.SetRegistryVersion(snapshot.Version)

	if s.store != nil {
		if err := s.store.Save(ctx, snapshot); err != nil {
			s.logger.Warnf("Failed to persist snapshot version %d: %v", snapshot.Version, err)
		}
	}

	return result, nil
}

// Run executes snapshot cycles on the given interval until the context is
// cancelled. An extra trigger channel (may be nil) forces an immediate cycle,
// used with EtcdSource.WatchVersion. Cycle errors are logged and do not stop
// the loop; the previously published snapshot stays in place.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration, trigger <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
			}
		}
	}
}

func (s *Snapshotter) runCycle(ctx context.Context) {
	result, err := s.Snapshot(ctx)
	if err != nil {
		s.logger.Errorf("Registry snapshot cycle failed: %v", err)
		metrics.RecordSnapshot("error")
		return
	}

	metrics.RecordSnapshot(result.Status.String())

	switch result.Status {
	case SnapshotStatusPublished:
		if result.Old != nil {
			s.logger.Infof("Registry snapshot published: version %d -> %d, subnets %d -> %d, nodes %d -> %d",
				result.Old.Version, result.New.Version,
				result.Old.Subnets, result.New.Subnets,
				result.Old.Nodes, result.New.Nodes)
		} else {
			s.logger.Infof("Initial registry snapshot published: version %d, %d subnets, %d nodes",
				result.New.Version, result.New.Subnets, result.New.Nodes)
		}
	case SnapshotStatusNotOldEnough:
		s.logger.Infof("Registry version %d is not settled yet, holding initial publish", s.versionAvailable)
	case SnapshotStatusBelowMinVersion:
		s.logger.Warnf("Registry version %d is below the minimum %d, ignoring", s.versionAvailable, s.minVersion)
	case SnapshotStatusNoNewVersion:
		// Nothing to do.
	}
}
