package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EtcdConfig holds etcd-specific configuration
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// RegistryConfig holds registry synchronization configuration
type RegistryConfig struct {
	Etcd EtcdConfig `yaml:"etcd"`
	// MinVersion is the lowest registry version that will be processed
	MinVersion uint64 `yaml:"min_version"`
	// MinVersionAgeSeconds is how long the registry version must stay
	// unchanged before the first snapshot is published
	MinVersionAgeSeconds int `yaml:"min_version_age_seconds"`
	// PollIntervalSeconds is the snapshot cycle cadence
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// HealthConfig holds the node health check policy
type HealthConfig struct {
	CheckIntervalSeconds      int    `yaml:"check_interval_seconds"`
	CheckTimeoutSeconds       int    `yaml:"check_timeout_seconds"`
	CheckRetries              int    `yaml:"check_retries"`
	CheckRetryIntervalSeconds int    `yaml:"check_retry_interval_seconds"`
	MinOkCount                int    `yaml:"min_ok_count"`
	MaxHeightLag              uint64 `yaml:"max_height_lag"`
}

// ListenConfig holds the listen addresses of the admin surfaces
type ListenConfig struct {
	HTTPAddr string `yaml:"http_addr"` // healthz, ready, metrics
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health + reflection
}

// PostgresConfig holds the optional snapshot local store connection
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // Use "require" in production
}

// Config is the root configuration structure
type Config struct {
	Version  int             `yaml:"version"`
	Registry RegistryConfig  `yaml:"registry"`
	Health   HealthConfig    `yaml:"health"`
	Listen   ListenConfig    `yaml:"listen"`
	Postgres *PostgresConfig `yaml:"postgres"` // Optional: snapshot local store
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	if len(c.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("at least one etcd endpoint is required")
	}
	if c.Registry.PollIntervalSeconds <= 0 {
		c.Registry.PollIntervalSeconds = 10
	}
	if c.Registry.MinVersionAgeSeconds < 0 {
		return fmt.Errorf("min_version_age_seconds must not be negative")
	}

	if c.Health.CheckIntervalSeconds <= 0 {
		c.Health.CheckIntervalSeconds = 10
	}
	if c.Health.CheckTimeoutSeconds <= 0 {
		c.Health.CheckTimeoutSeconds = 2
	}
	if c.Health.CheckRetries <= 0 {
		c.Health.CheckRetries = 3
	}
	if c.Health.CheckRetryIntervalSeconds <= 0 {
		c.Health.CheckRetryIntervalSeconds = 1
	}
	if c.Health.MinOkCount <= 0 {
		c.Health.MinOkCount = 1
	}
	if c.Health.MaxHeightLag == 0 {
		c.Health.MaxHeightLag = 1000
	}

	if c.Listen.HTTPAddr == "" {
		return fmt.Errorf("listen http_addr is required")
	}
	if c.Listen.GRPCAddr == "" {
		return fmt.Errorf("listen grpc_addr is required")
	}

	if c.Postgres != nil {
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if c.Postgres.Port <= 0 {
			return fmt.Errorf("postgres port must be positive")
		}
		if c.Postgres.User == "" {
			return fmt.Errorf("postgres user is required")
		}
		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required")
		}
	}

	return nil
}
