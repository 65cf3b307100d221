// Package server wires the routing core together: the registry snapshotter,
// the health monitor and the topology builder/persister run as independent
// background loops, while lookup and TLS verification are served lock-free
// from the published snapshots. It also exposes the admin surfaces: metrics,
// healthz/ready HTTP endpoints and a gRPC server carrying the standard
// health service and reflection.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/routegate/routegate/health"
	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/registry/localstore"
	"github.com/routegate/routegate/routing"
	"github.com/routegate/routegate/tlsverify"
	"github.com/routegate/routegate/util/logger"
)

// ServerConfig holds everything needed to run the routing core.
type ServerConfig struct {
	HTTPListenAddress string
	GRPCListenAddress string

	EtcdEndpoints []string
	EtcdPrefix    string

	// MinRegistryVersion is the lowest registry version to process
	MinRegistryVersion uint64
	// MinVersionAge is the settling delay before the first snapshot publish
	MinVersionAge time.Duration
	// SnapshotInterval is the registry poll cadence
	SnapshotInterval time.Duration

	Health health.Config

	// Postgres enables the snapshot local store when set
	Postgres *localstore.Config
}

func validateServerConfig(config *ServerConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.HTTPListenAddress == "" {
		return fmt.Errorf("HTTPListenAddress cannot be empty")
	}
	if config.GRPCListenAddress == "" {
		return fmt.Errorf("GRPCListenAddress cannot be empty")
	}
	if len(config.EtcdEndpoints) == 0 {
		return fmt.Errorf("EtcdEndpoints cannot be empty")
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 10 * time.Second
	}
	return nil
}

// Server owns the published snapshot cells and the background loops that
// refresh them.
type Server struct {
	config *ServerConfig
	logger *logger.Logger

	publishedSnapshot atomic.Pointer[registry.Snapshot]
	publishedRoutes   atomic.Pointer[routing.Routes]

	source      *registry.EtcdSource
	snapshotter *registry.Snapshotter
	verifier    *tlsverify.Verifier
	monitor     *health.Monitor
	builder     *routing.Builder
	persister   *routing.Persister

	grpcHealth *grpchealth.Server
}

// NewServer creates a Server with all components wired but nothing running.
func NewServer(config *ServerConfig) (*Server, error) {
	if err := validateServerConfig(config); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:     config,
		logger:     logger.NewLogger(fmt.Sprintf("Server(%s)", config.HTTPListenAddress)),
		grpcHealth: grpchealth.NewServer(),
	}

	s.source = registry.NewEtcdSource(config.EtcdEndpoints, config.EtcdPrefix)
	s.snapshotter = registry.NewSnapshotter(s.source, &s.publishedSnapshot,
		config.MinRegistryVersion, config.MinVersionAge)
	s.verifier = tlsverify.New(&s.publishedSnapshot)

	checker := health.NewStatusChecker(s.verifier)
	monitor, err := health.NewMonitor(config.Health, checker, s.publishedSnapshot.Load)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}
	s.monitor = monitor

	s.builder = routing.NewBuilder()
	s.persister = routing.NewPersister(&s.publishedRoutes)

	return s, nil
}

// Lookup resolves the subnet owning a canister id against the currently
// published routing snapshot. Returns (nil, nil) when no subnet owns the id
// or before the first publish.
func (s *Server) Lookup(canisterID []byte) (*routing.RouteSubnet, error) {
	return s.publishedRoutes.Load().Lookup(canisterID)
}

// Verifier returns the certificate-pinning verifier for the TLS layer
// dialing upstream nodes.
func (s *Server) Verifier() *tlsverify.Verifier {
	return s.verifier
}

// Ready reports whether a routing snapshot has been published.
func (s *Server) Ready() bool {
	return s.publishedRoutes.Load() != nil
}

// Run starts all background loops and admin listeners and blocks until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.source.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to registry: %w", err)
	}
	defer s.source.Close()

	if s.config.Postgres != nil {
		store, err := localstore.New(s.config.Postgres)
		if err != nil {
			return fmt.Errorf("failed to open snapshot local store: %w", err)
		}
		defer store.Close()
		if err := store.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize snapshot local store: %w", err)
		}
		s.snapshotter.SetStore(store)
	}

	httpListener, err := net.Listen("tcp", s.config.HTTPListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPListenAddress, err)
	}
	grpcListener, err := net.Listen("tcp", s.config.GRPCListenAddress)
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCListenAddress, err)
	}

	s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	errChan := make(chan error, 4)

	// Registry snapshot loop, triggered early by etcd version watches.
	go func() {
		trigger := s.source.WatchVersion(ctx)
		errChan <- s.snapshotter.Run(ctx, s.config.SnapshotInterval, trigger)
	}()

	// Health check loop.
	go func() {
		errChan <- s.monitor.Run(ctx)
	}()

	// Routing table build/publish loop.
	go func() {
		errChan <- s.runRoutingLoop(ctx)
	}()

	httpServer := &http.Server{Handler: s.httpHandler()}
	go func() {
		s.logger.Infof("HTTP server listening on %s", httpListener.Addr())
		if err := httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, s.grpcHealth)
	reflection.Register(grpcServer)
	go func() {
		s.logger.Infof("gRPC server listening on %s", grpcListener.Addr())
		if err := grpcServer.Serve(grpcListener); err != nil {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			s.logger.Errorf("Component failed: %v", err)
			runErr = err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()

	s.logger.Infof("Server stopped")
	return runErr
}

// runRoutingLoop periodically folds the published registry snapshot and the
// health verdicts into a new routing snapshot. It runs on the health check
// cadence; cancellation is observed between cycles.
func (s *Server) runRoutingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Health.CheckInterval)
	defer ticker.Stop()

	for {
		s.buildAndPersist()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) buildAndPersist() {
	snapshot := s.publishedSnapshot.Load()
	if snapshot == nil {
		return
	}

	table := s.builder.Build(snapshot, s.monitor.EligibleSet())
	status, _, err := s.persister.Persist(table)
	if err != nil {
		s.logger.Errorf("Failed to persist routing table: %v", err)
		return
	}

	if status == routing.PersistStatusCompleted && s.Ready() {
		s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}
}

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !s.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "no routing table published"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	return mux
}
