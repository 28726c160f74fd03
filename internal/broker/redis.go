package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "titan:idem:"

// RedisCache is the idempotency backend for multi-instance deployments,
// where an in-process map cannot dedupe across replicas. Redis TTLs replace
// the sweeper.
type RedisCache struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		log:    log.With().Str("component", "idempotency_redis").Logger(),
	}
}

// Get returns the cached result for key. Redis errors degrade to a miss: a
// cache outage must never block order flow.
func (c *RedisCache) Get(key string) (OrderResult, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return OrderResult{}, false
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("Idempotency read failed, treating as miss")
		return OrderResult{}, false
	}

	var result OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.log.Warn().Err(err).Msg("Corrupt idempotency entry, treating as miss")
		return OrderResult{}, false
	}
	return result, true
}

// Set stores a result with the given TTL.
func (c *RedisCache) Set(key string, result OrderResult, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := json.Marshal(result)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode idempotency entry")
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("Idempotency write failed")
	}
}

// Delete removes one entry.
func (c *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.log.Warn().Err(err).Msg("Idempotency delete failed")
	}
}

// Sweep is a no-op: redis expires keys itself.
func (c *RedisCache) Sweep() int { return 0 }

// Len returns the number of live idempotency keys.
func (c *RedisCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	keys, err := c.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	return len(keys)
}
