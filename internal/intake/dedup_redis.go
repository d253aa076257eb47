package intake

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDedupConfig holds Redis connection settings for the shared dedup index.
type RedisDedupConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisDedupConfig returns sensible defaults.
func DefaultRedisDedupConfig() RedisDedupConfig {
	return RedisDedupConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "fraudsentry:event:",
		TTL:          time.Hour,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisDedup is a Redis-backed dedup index for multi-instance deployments.
// Uniqueness is enforced with SET NX and a TTL per event ID.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedup creates a Redis-backed dedup store and verifies connectivity.
func NewRedisDedup(cfg RedisDedupConfig) (*RedisDedup, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &RedisDedup{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    ttl,
	}, nil
}

// Add records the ID with SET NX, returning false if it already existed.
func (d *RedisDedup) Add(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id.String(), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return ok, nil
}

// Close closes the Redis connection.
func (d *RedisDedup) Close() error {
	return d.client.Close()
}
