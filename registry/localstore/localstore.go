// Package localstore persists registry snapshots to PostgreSQL so the last
// known topology survives process restarts and can be inspected offline.
// It implements registry.SnapshotStore.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/routegate/routegate/registry"
	"github.com/routegate/routegate/util/logger"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	return nil
}

// Store is a PostgreSQL-backed snapshot store.
type Store struct {
	conn   *sql.DB
	logger *logger.Logger
}

// New opens a connection pool to PostgreSQL using the provided configuration.
func New(config *Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{
		conn:   conn,
		logger: logger.NewLogger("LocalStore"),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Ping checks if the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// InitSchema creates the snapshot table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS routegate_snapshots (
		version BIGINT PRIMARY KEY,
		taken_at TIMESTAMP NOT NULL,
		data JSONB NOT NULL,
		saved_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_routegate_snapshots_saved_at
		ON routegate_snapshots(saved_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Infof("Snapshot schema initialized")
	return nil
}

// Save upserts a snapshot keyed by its registry version.
func (s *Store) Save(ctx context.Context, snapshot *registry.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := `
	INSERT INTO routegate_snapshots (version, taken_at, data)
	VALUES ($1, $2, $3)
	ON CONFLICT (version) DO UPDATE
		SET taken_at = EXCLUDED.taken_at, data = EXCLUDED.data
	`

	if _, err := s.conn.ExecContext(ctx, query, int64(snapshot.Version), snapshot.Timestamp, data); err != nil {
		return fmt.Errorf("failed to save snapshot version %d: %w", snapshot.Version, err)
	}

	s.logger.Debugf("Saved snapshot version %d", snapshot.Version)
	return nil
}

// LoadLatest returns the snapshot with the highest version, or nil if the
// store is empty.
func (s *Store) LoadLatest(ctx context.Context) (*registry.Snapshot, error) {
	query := `SELECT data FROM routegate_snapshots ORDER BY version DESC LIMIT 1`

	var data []byte
	err := s.conn.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	var snapshot registry.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *Store) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return fmt.Errorf("keep must be positive")
	}

	query := `
	DELETE FROM routegate_snapshots
	WHERE version NOT IN (
		SELECT version FROM routegate_snapshots ORDER BY version DESC LIMIT $1
	)
	`

	result, err := s.conn.ExecContext(ctx, query, keep)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}

	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Infof("Pruned %d old snapshots", deleted)
	}
	return nil
}
