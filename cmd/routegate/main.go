package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/routegate/routegate/config"
	"github.com/routegate/routegate/health"
	"github.com/routegate/routegate/registry/localstore"
	"github.com/routegate/routegate/server"
)

func main() {
	// Parse command line flags
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		// Legacy flags for direct configuration (can be used without config file)
		httpAddr   = flag.String("http", "", "HTTP listen address for healthz/ready/metrics (e.g., ':9090')")
		grpcAddr   = flag.String("grpc", "", "gRPC listen address for health/reflection (e.g., ':9000')")
		etcdAddr   = flag.String("etcd", "localhost:2379", "Comma separated etcd endpoints")
		etcdPrefix = flag.String("etcd-prefix", "", "Etcd registry key prefix")
	)
	flag.Parse()

	var serverConfig *server.ServerConfig

	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		serverConfig = buildServerConfig(cfg)
		log.Printf("Starting routegate with configuration from %s", *configFile)
	} else {
		if *httpAddr == "" || *grpcAddr == "" {
			log.Fatal("--http and --grpc are required when not using --config")
		}
		serverConfig = &server.ServerConfig{
			HTTPListenAddress: *httpAddr,
			GRPCListenAddress: *grpcAddr,
			EtcdEndpoints:     strings.Split(*etcdAddr, ","),
			EtcdPrefix:        *etcdPrefix,
		}
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down", sig)
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Server exited with error: %v", err)
	}
}

func buildServerConfig(cfg *config.Config) *server.ServerConfig {
	sc := &server.ServerConfig{
		HTTPListenAddress:  cfg.Listen.HTTPAddr,
		GRPCListenAddress:  cfg.Listen.GRPCAddr,
		EtcdEndpoints:      cfg.Registry.Etcd.Endpoints,
		EtcdPrefix:         cfg.Registry.Etcd.Prefix,
		MinRegistryVersion: cfg.Registry.MinVersion,
		MinVersionAge:      time.Duration(cfg.Registry.MinVersionAgeSeconds) * time.Second,
		SnapshotInterval:   time.Duration(cfg.Registry.PollIntervalSeconds) * time.Second,
		Health: health.Config{
			CheckInterval:      time.Duration(cfg.Health.CheckIntervalSeconds) * time.Second,
			CheckTimeout:       time.Duration(cfg.Health.CheckTimeoutSeconds) * time.Second,
			CheckRetries:       cfg.Health.CheckRetries,
			CheckRetryInterval: time.Duration(cfg.Health.CheckRetryIntervalSeconds) * time.Second,
			MinOkCount:         cfg.Health.MinOkCount,
			MaxHeightLag:       cfg.Health.MaxHeightLag,
		},
	}

	if cfg.Postgres != nil {
		sc.Postgres = &localstore.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
	}
	return sc
}
