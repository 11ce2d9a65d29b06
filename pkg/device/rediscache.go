package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisConfig holds configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr" validate:"required"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// RedisCache implements Cache with Redis. Values are the JSON encoded Device.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and checks the connection with a ping.
func NewRedisCache(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for device cache")
	return NewRedisCacheWithClient(rdb, cfg, logger), nil
}

// NewRedisCacheWithClient wraps an existing client, which the cache then owns.
func NewRedisCacheWithClient(rdb *redis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "simulator:device:"
	}
	return &RedisCache{
		client: rdb,
		ttl:    cfg.CacheTTL,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisCache").Logger(),
	}
}

func (c *RedisCache) key(id string) string { return c.prefix + id }

func (c *RedisCache) Get(ctx context.Context, id string) (Device, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Device{}, ErrCacheMiss{ID: id}
	}
	if err != nil {
		return Device{}, fmt.Errorf("redis get %s: %w", id, err)
	}
	var d Device
	if err := json.Unmarshal(raw, &d); err != nil {
		// Corrupt entries are treated as a miss and overwritten on write-back.
		c.logger.Error().Err(err).Str("device_id", id).Msg("Failed to unmarshal cached device data from Redis")
		return Device{}, ErrCacheMiss{ID: id}
	}
	return d, nil
}

func (c *RedisCache) Set(ctx context.Context, d Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", d.ID, err)
	}
	if err := c.client.Set(ctx, c.key(d.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", d.ID, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	c.logger.Info().Msg("Closing Redis client connection...")
	return c.client.Close()
}
