package compete

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache shares fetched bands across replicas. It implements BandCache
// with the same stale-while-revalidate semantics as MemoryCache: entries
// live in Redis for 4x TTL and report stale after one TTL.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	prefix  string
	timeout time.Duration
}

// NewRedisCache creates a Redis-backed band cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCache{
		client:  client,
		ttl:     ttl,
		prefix:  "roamrate:band:",
		timeout: 500 * time.Millisecond,
	}
}

func (c *RedisCache) Get(key Key) (Band, bool, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.prefix+key.String()).Bytes()
	if err == redis.Nil {
		return Band{}, false, false
	}
	if err != nil {
		// Cache trouble must not fail a lookup; treat as a miss.
		log.Warn().Err(err).Str("key", key.String()).Msg("redis band cache get failed")
		return Band{}, false, false
	}
	var entry cachedBand
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Band{}, false, false
	}
	return entry.Band, time.Since(entry.StoredAt) > c.ttl, true
}

func (c *RedisCache) Set(key Key, band Band) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	raw, err := json.Marshal(cachedBand{Band: band, StoredAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key.String(), raw, 4*c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis band cache set failed")
	}
}

func (c *RedisCache) Delete(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	_ = c.client.Del(ctx, c.prefix+key.String()).Err()
}
