package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cacheKeyPrefix = "moexadvisor:history:"

// HistoryCache stores fetched ISS series in Redis as JSON. A nil
// *HistoryCache is valid and never hits.
type HistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHistoryCache creates a Redis-backed cache. If client is nil, returns
// nil (Redis is optional).
func NewHistoryCache(client *redis.Client, ttl time.Duration) *HistoryCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &HistoryCache{client: client, ttl: ttl}
}

// Get decodes the cached value for key into dest and reports whether it
// was found. Redis errors are treated as misses.
func (c *HistoryCache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.client == nil {
		return false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return false
	}

	if err := json.Unmarshal(cached, dest); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached history")
		return false
	}

	log.Debug().Str("key", key).Msg("History cache hit")
	return true
}

// Set stores value under key with the configured TTL.
func (c *HistoryCache) Set(ctx context.Context, key string, value any) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, cacheKeyPrefix+key, data, c.ttl).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to cache history")
		return err
	}

	log.Debug().
		Str("key", key).
		Dur("ttl", c.ttl).
		Msg("Cached history")
	return nil
}

// Clear removes all history cache entries.
func (c *HistoryCache) Clear(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := c.client.Scan(cacheCtx, 0, cacheKeyPrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(cacheCtx) {
		if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("key", iter.Val()).
				Msg("Failed to delete cache key")
			continue
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan error: %w", err)
	}

	log.Info().Int("keys_deleted", count).Msg("Cleared history cache")
	return nil
}

func historyKey(kind, secid string, from, till time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", kind, secid, from.Format(dateLayout), till.Format(dateLayout))
}
