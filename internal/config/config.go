// Package config provides configuration loading and management for rankstream.
// It supports loading configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageMode represents the storage backend mode.
type StorageMode string

const (
	// StorageModeMemory uses in-memory implementations for all storage.
	StorageModeMemory StorageMode = "memory"
	// StorageModeStorage uses real storage backends (Kafka, Redis, PostgreSQL).
	StorageModeStorage StorageMode = "storage"
)

// IsValid returns true if the storage mode is valid.
func (m StorageMode) IsValid() bool {
	return m == StorageModeMemory || m == StorageModeStorage
}

// Config represents the complete application configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Ranking  RankingConfig  `yaml:"ranking"`
	Logger   LoggerConfig   `yaml:"logger"`
}

// StorageConfig holds the storage mode configuration.
type StorageConfig struct {
	Mode StorageMode `yaml:"mode"`
}

// UseMemory returns true if in-memory storage should be used.
func (c *StorageConfig) UseMemory() bool {
	return c.Mode == StorageModeMemory
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// KafkaConfig holds Kafka connection and topic settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// RedisConfig holds Redis connection settings. Counters and the dedup
// cache live in separate logical databases so the dedup store can report
// its size with DBSIZE.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	DedupDB  int    `yaml:"dedup_db"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int32  `yaml:"max_open_conns"`
	MaxIdleConns int32  `yaml:"max_idle_conns"`
}

// RankingConfig holds the tuning knobs of the ranking core.
type RankingConfig struct {
	// BucketWidth is the width of a tumbling aggregation bucket.
	BucketWidth time.Duration `yaml:"bucket_width"`

	// LatenessTolerance is how long after a bucket closes an event is still
	// treated as on-time (forwarded to both the aggregator and the tracker).
	LatenessTolerance time.Duration `yaml:"lateness_tolerance"`

	// ReconcileHorizon bounds how old an event may be and still be
	// reconciled into its historical bucket. Events older than this are
	// dropped as expired.
	ReconcileHorizon time.Duration `yaml:"reconcile_horizon"`

	// DedupHorizon is how long applied event IDs are retained for
	// idempotent redelivery absorption.
	DedupHorizon time.Duration `yaml:"dedup_horizon"`

	// KMax is the maximum top-K a query may request.
	KMax int `yaml:"k_max"`

	// TrackerCapacityMultiplier sizes each candidate table at
	// multiplier x KMax entries.
	TrackerCapacityMultiplier int `yaml:"tracker_capacity_multiplier"`

	// CandidateMultiplier controls how many candidates the hybrid path
	// fetches per requested k.
	CandidateMultiplier int `yaml:"candidate_multiplier"`

	// MinCandidates is the floor for the hybrid candidate fetch size.
	MinCandidates int `yaml:"min_candidates"`

	// MaxExactScanItems is the scope-cardinality ceiling for exact-mode
	// full scans.
	MaxExactScanItems int `yaml:"max_exact_scan_items"`

	// SnapshotInterval is how often counter state is persisted.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// SnapshotRetain is how many superseded snapshot versions to keep per
	// scope before garbage collection.
	SnapshotRetain int `yaml:"snapshot_retain"`

	// ArchiveInterval is how often buckets beyond the maximum window are
	// folded into the archive bucket.
	ArchiveInterval time.Duration `yaml:"archive_interval"`

	// WorkerCount is the number of scope-sharded writer goroutines.
	WorkerCount int `yaml:"worker_count"`

	// MailboxSize is the buffered capacity of each worker mailbox.
	MailboxSize int `yaml:"mailbox_size"`

	// CoalesceHighWater is the mailbox depth beyond which same-key deltas
	// are batched into combined updates.
	CoalesceHighWater int `yaml:"coalesce_high_water"`

	// QueryTimeout bounds a single top-K query; on expiry the server
	// returns a partial result.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// TrackerCapacity returns the candidate table capacity derived from KMax
// and the configured multiplier.
func (c *RankingConfig) TrackerCapacity() int {
	return c.TrackerCapacityMultiplier * c.KMax
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads configuration from the specified YAML file path.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	// Clean the path to prevent path traversal attacks
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for any unset values
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with all defaults applied, without
// reading a file. Useful for tests and embedded use.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets sensible default values for configuration fields
// that are not explicitly set in the config file.
func applyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Mode == "" {
		cfg.Storage.Mode = StorageModeMemory
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	// Kafka defaults
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "rankstream-events"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "rankstream-processor"
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.DedupDB == 0 {
		cfg.Redis.DedupDB = 1
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}

	// Ranking defaults
	if cfg.Ranking.BucketWidth == 0 {
		cfg.Ranking.BucketWidth = time.Hour
	}
	if cfg.Ranking.LatenessTolerance == 0 {
		cfg.Ranking.LatenessTolerance = 2 * time.Minute
	}
	if cfg.Ranking.ReconcileHorizon == 0 {
		cfg.Ranking.ReconcileHorizon = 6 * time.Hour
	}
	if cfg.Ranking.DedupHorizon == 0 {
		cfg.Ranking.DedupHorizon = 24 * time.Hour
	}
	if cfg.Ranking.KMax == 0 {
		cfg.Ranking.KMax = 100
	}
	if cfg.Ranking.TrackerCapacityMultiplier == 0 {
		cfg.Ranking.TrackerCapacityMultiplier = 3
	}
	if cfg.Ranking.CandidateMultiplier == 0 {
		cfg.Ranking.CandidateMultiplier = 3
	}
	if cfg.Ranking.MinCandidates == 0 {
		cfg.Ranking.MinCandidates = 64
	}
	if cfg.Ranking.MaxExactScanItems == 0 {
		cfg.Ranking.MaxExactScanItems = 50000
	}
	if cfg.Ranking.SnapshotInterval == 0 {
		cfg.Ranking.SnapshotInterval = 2 * time.Minute
	}
	if cfg.Ranking.SnapshotRetain == 0 {
		cfg.Ranking.SnapshotRetain = 3
	}
	if cfg.Ranking.ArchiveInterval == 0 {
		cfg.Ranking.ArchiveInterval = time.Hour
	}
	if cfg.Ranking.WorkerCount == 0 {
		cfg.Ranking.WorkerCount = 16
	}
	if cfg.Ranking.MailboxSize == 0 {
		cfg.Ranking.MailboxSize = 4096
	}
	if cfg.Ranking.CoalesceHighWater == 0 {
		cfg.Ranking.CoalesceHighWater = 1024
	}
	if cfg.Ranking.QueryTimeout == 0 {
		cfg.Ranking.QueryTimeout = 90 * time.Millisecond
	}

	// Logger defaults
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// Address returns the full server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address in host:port format.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
