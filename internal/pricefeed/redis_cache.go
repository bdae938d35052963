package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PriceKeyPrefix is the Redis key prefix for shared quotes.
// Format: papertrader:price:{SYMBOL}
const PriceKeyPrefix = "papertrader:price"

// RedisCache shares last known quotes between engine processes,
// falling back to an in-memory map when Redis is unavailable.
type RedisCache struct {
	client         *redis.Client
	ttl            time.Duration
	logger         zerolog.Logger
	inMemoryCache  map[string]Quote
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisCache creates a cache. If client is nil it runs memory-only.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	c := &RedisCache{
		client:        client,
		ttl:           ttl,
		logger:        logger.With().Str("component", "RedisPriceCache").Logger(),
		inMemoryCache: make(map[string]Quote),
	}

	if client == nil {
		c.logger.Info().Msg("No Redis client provided, using in-memory cache only")
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		c.redisAvailable.Store(false)
	} else {
		c.logger.Info().Msg("Redis connected")
		c.redisAvailable.Store(true)
	}
	return c
}

// Available reports whether the last Redis call succeeded
func (c *RedisCache) Available() bool {
	return c.client != nil && c.redisAvailable.Load()
}

func (c *RedisCache) key(symbol string) string {
	return fmt.Sprintf("%s:%s", PriceKeyPrefix, strings.ToUpper(symbol))
}

// Set stores a quote in memory and, when possible, in Redis
func (c *RedisCache) Set(ctx context.Context, symbol string, q Quote) {
	c.cacheMu.Lock()
	c.inMemoryCache[strings.ToUpper(symbol)] = q
	c.cacheMu.Unlock()

	if !c.Available() {
		return
	}

	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(symbol), data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to save quote to Redis, using in-memory cache")
		c.redisAvailable.Store(false)
	}
}

// Get returns the newest quote from Redis, or the in-memory copy
func (c *RedisCache) Get(ctx context.Context, symbol string) (Quote, bool) {
	if c.client != nil {
		data, err := c.client.Get(ctx, c.key(symbol)).Result()
		switch {
		case err == nil:
			c.redisAvailable.Store(true)
			var q Quote
			if jerr := json.Unmarshal([]byte(data), &q); jerr == nil {
				return q, true
			}
		case err == redis.Nil:
			c.redisAvailable.Store(true)
		default:
			if c.redisAvailable.Load() {
				c.logger.Warn().Err(err).Msg("Redis read error, using in-memory cache")
			}
			c.redisAvailable.Store(false)
		}
	}

	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	q, ok := c.inMemoryCache[strings.ToUpper(symbol)]
	return q, ok
}
