package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// consumeScript decrements a pending counter only when it is positive and
// deletes it once it reaches zero. Returns 1 when a mark was consumed.
var consumeScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 0 then
  return 0
end
if n == 1 then
  redis.call("DEL", KEYS[1])
else
  redis.call("DECR", KEYS[1])
end
return 1
`)

// RedisEchoStore is an EchoStore backed by Redis, so several bridge processes
// relaying between the same brokers share one view of pending echoes.
type RedisEchoStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisEchoStore creates and connects a new RedisEchoStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisEchoStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisEchoStore, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("redis echo store TTL must be greater than 0")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mqttbridge:echo:"
	}
	return &RedisEchoStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisEchoStore").Logger(),
		ttl:         cfg.TTL,
		prefix:      prefix,
	}, nil
}

// Mark increments the pending counter for key and refreshes its TTL.
func (s *RedisEchoStore) Mark(ctx context.Context, key string) error {
	redisKey := s.prefix + key
	pipe := s.redisClient.TxPipeline()
	pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error().Err(err).Str("key", redisKey).Msg("Failed to mark echo in Redis.")
		return fmt.Errorf("failed to mark in redis: %w", err)
	}
	return nil
}

// Consume atomically takes one pending mark for key, if any.
func (s *RedisEchoStore) Consume(ctx context.Context, key string) (bool, error) {
	redisKey := s.prefix + key
	n, err := consumeScript.Run(ctx, s.redisClient, []string{redisKey}).Int()
	if err != nil {
		s.logger.Error().Err(err).Str("key", redisKey).Msg("Failed to consume echo mark in Redis.")
		return false, fmt.Errorf("failed to consume in redis: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis client connection.
func (s *RedisEchoStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
