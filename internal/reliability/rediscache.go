package reliability

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// staleRetention keeps expired payloads around for stale-while-revalidate
// reads before Redis drops the key entirely.
const staleRetention = 4

// redisPayload wraps a cached value with its logical expiry so a read can
// distinguish Hit from Stale after the TTL passed.
type redisPayload struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
}

// RedisCache is the hot-tier Cache backed by Redis. Read errors degrade to
// Miss so an unavailable Redis never fails a fetch path.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	timeout time.Duration

	hits   int64
	misses int64
	stales int64
}

// NewRedisCache creates a Redis-backed cache with a fixed TTL
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		prefix:  prefix,
		timeout: 2 * time.Second,
	}
}

func (r *RedisCache) key(k string) string {
	return r.prefix + ":" + k
}

// Get returns Hit while the logical TTL holds, Stale during the retention
// tail, and Miss otherwise.
func (r *RedisCache) Get(key string) Lookup {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&r.misses, 1)
		return Lookup{Outcome: Miss}
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis cache read failed, treating as miss")
		atomic.AddInt64(&r.misses, 1)
		return Lookup{Outcome: Miss}
	}

	var payload redisPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		atomic.AddInt64(&r.misses, 1)
		return Lookup{Outcome: Miss}
	}

	if time.Now().Unix() > payload.ExpiresAt {
		atomic.AddInt64(&r.stales, 1)
		return Lookup{Outcome: Stale, Value: payload.Value}
	}
	atomic.AddInt64(&r.hits, 1)
	return Lookup{Outcome: Hit, Value: payload.Value}
}

// Set stores value; the Redis key outlives the logical TTL by the stale
// retention factor.
func (r *RedisCache) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	payload, err := json.Marshal(redisPayload{
		Value:     value,
		ExpiresAt: time.Now().Add(r.ttl).Unix(),
	})
	if err != nil {
		return
	}

	if err := r.client.Set(ctx, r.key(key), payload, r.ttl*staleRetention).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis cache write failed")
	}
}

// Delete removes key
func (r *RedisCache) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("Redis cache delete failed")
	}
}

// Stats reports local read counters; entry counts live in Redis
func (r *RedisCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&r.hits),
		Misses: atomic.LoadInt64(&r.misses),
		Stales: atomic.LoadInt64(&r.stales),
		TTL:    r.ttl,
	}
}
