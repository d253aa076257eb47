// Package config handles configuration loading for FraudSentry.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fraudsentry/internal/audit"
	"fraudsentry/internal/batch"
	"fraudsentry/internal/ingest"
	"fraudsentry/internal/intake"
	"fraudsentry/internal/kafka"
	"fraudsentry/internal/replay"
	"fraudsentry/internal/storage"
	"fraudsentry/internal/storage/s3"
	"fraudsentry/internal/worker"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	HTTP        ingest.HandlerConfig    `yaml:"http"`
	TCP         ingest.TCPServerConfig  `yaml:"tcp"`
	DTLS        ingest.DTLSServerConfig `yaml:"dtls"`
	RateLimit   ingest.RateLimitConfig  `yaml:"rate_limit"`
	Queue       QueueConfig             `yaml:"queue"`
	Validation  ValidationConfig        `yaml:"validation"`
	Dedup       DedupConfig             `yaml:"dedup"`
	Rules       RulesConfig             `yaml:"rules"`
	Correlation CorrelationConfig       `yaml:"correlation"`
	Workers     worker.Config           `yaml:"workers"`
	AutoScaler  worker.AutoScalerConfig `yaml:"autoscaler"`
	Batch       batch.Config            `yaml:"batch"`
	Audit       audit.Config            `yaml:"audit"`
	Replay      replay.StoreConfig      `yaml:"replay"`
	Checkpoint  replay.CheckpointConfig `yaml:"checkpoint"`
	Storage     StorageConfig           `yaml:"storage"`
	Archive     ArchiveConfig           `yaml:"archive"`
	Kafka       *kafka.Config           `yaml:"kafka"`
	Logging     LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// QueueConfig holds intake queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// DedupConfig selects and configures the deduplication store.
type DedupConfig struct {
	// Backend is "memory" or "redis".
	Backend string                  `yaml:"backend"`
	TTL     time.Duration           `yaml:"ttl"`
	Redis   intake.RedisDedupConfig `yaml:"redis"`
}

// RulesConfig holds rule engine settings.
type RulesConfig struct {
	HistorySize int `yaml:"history_size"`
}

// CorrelationConfig holds correlation engine settings.
type CorrelationConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxWindowSize  int           `yaml:"max_window_size"`
	DetectInterval time.Duration `yaml:"detect_interval"`
}

// StorageConfig holds ClickHouse persistence settings.
type StorageConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
}

// ArchiveConfig holds S3 cold storage settings.
type ArchiveConfig struct {
	Enabled  bool              `yaml:"enabled"`
	S3       s3.Config         `yaml:"s3"`
	Archiver s3.ArchiverConfig `yaml:"archiver"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		HTTP:      ingest.DefaultHandlerConfig(),
		TCP:       ingest.DefaultTCPServerConfig(),
		DTLS:      ingest.DefaultDTLSServerConfig(),
		RateLimit: ingest.DefaultRateLimitConfig(),
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Dedup: DedupConfig{
			Backend: "memory",
			TTL:     time.Hour,
			Redis:   intake.DefaultRedisDedupConfig(),
		},
		Rules: RulesConfig{
			HistorySize: 1000,
		},
		Correlation: CorrelationConfig{
			Window:         10 * time.Minute,
			MaxWindowSize:  100,
			DetectInterval: 5 * time.Second,
		},
		Workers:    worker.DefaultConfig(),
		AutoScaler: worker.DefaultAutoScalerConfig(),
		Batch:      batch.DefaultConfig(),
		Audit:      audit.DefaultConfig(),
		Replay:     replay.DefaultStoreConfig(),
		Checkpoint: replay.DefaultCheckpointConfig(),
		Storage: StorageConfig{
			Enabled:    false, // Disabled by default for development without ClickHouse
			ClickHouse: storage.DefaultClickHouseConfig(),
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			S3:       s3.DefaultConfig(),
			Archiver: s3.DefaultArchiverConfig(),
		},
		Kafka: kafka.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("FRAUDSENTRY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Kafka == nil {
		cfg.Kafka = kafka.DefaultConfig()
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Secrets are
// only accepted from the environment, never committed in YAML.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("FRAUDSENTRY_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("FRAUDSENTRY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if enabled := os.Getenv("FRAUDSENTRY_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Dedup.Backend = "redis"
		c.Dedup.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Dedup.Redis.Password = pass
	}

	if key := os.Getenv("AWS_ACCESS_KEY_ID"); key != "" {
		c.Archive.S3.AccessKeyID = key
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		c.Archive.S3.SecretAccessKey = secret
	}
	if bucket := os.Getenv("FRAUDSENTRY_S3_BUCKET"); bucket != "" {
		c.Archive.Enabled = true
		c.Archive.S3.Bucket = bucket
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if user := os.Getenv("KAFKA_SASL_USERNAME"); user != "" {
		c.Kafka.SASLUsername = user
	}
	if pass := os.Getenv("KAFKA_SASL_PASSWORD"); pass != "" {
		c.Kafka.SASLPassword = pass
	}

	if enabled := os.Getenv("FRAUDSENTRY_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	if rps := os.Getenv("FRAUDSENTRY_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}
}

// splitAndTrim splits a string by separator and trims whitespace from
// each non-empty part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.HTTP.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Workers.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be at least 1")
	}
	if c.Workers.MaxWorkers < c.Workers.MinWorkers {
		return fmt.Errorf("max_workers must be >= min_workers")
	}

	if c.AutoScaler.HighWatermark <= c.AutoScaler.LowWatermark {
		return fmt.Errorf("autoscaler high_watermark must exceed low_watermark")
	}

	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}

	switch c.Dedup.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid dedup backend: %s", c.Dedup.Backend)
	}

	if c.Storage.Enabled {
		if len(c.Storage.ClickHouse.Hosts) == 0 {
			return fmt.Errorf("storage enabled but no clickhouse hosts configured")
		}
	}

	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}

	if c.Kafka != nil && c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}

	return nil
}
