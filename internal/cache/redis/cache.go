// Package redis implements a cache backend shared by every collectord
// process pointed at the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
)

const (
	defaultPrefix = "collectord:cache:"
	scanBatch     = 256
)

// Cache stores envelopes under prefixed keys. Keys carry a server-side
// expiry equal to the entry expiry so Redis memory is reclaimed, but reads
// still validate the envelope against the injected clock.
type Cache struct {
	client   goredis.UniversalClient
	prefix   string
	clock    collector.Clock
	logger   *zap.Logger
	counters *cache.Counters
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, rawURL string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps client. An empty prefix uses "collectord:cache:".
func New(client goredis.UniversalClient, prefix string, clock collector.Clock, logger *zap.Logger) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:   client,
		prefix:   prefix,
		clock:    clock,
		logger:   logger,
		counters: cache.NewCounters("redis"),
	}, nil
}

// Get fetches and validates the envelope for key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		c.counters.Miss()
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	entry, err := cache.Decode(key, data)
	if err != nil {
		c.counters.Corrupt()
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.drop(ctx, key)
		return nil, cache.ErrMiss
	}
	if entry.Expired(c.clock.Now()) {
		c.counters.Miss()
		c.drop(ctx, key)
		return nil, cache.ErrMiss
	}
	c.counters.Hit()
	return entry.Value, nil
}

// Put replaces the entry with a single SET, which Redis applies atomically.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry, err := cache.NewEntry(key, value, c.clock.Now(), ttl)
	if err != nil {
		return err
	}
	data, err := cache.Encode(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate deletes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix.
func (c *Cache) Clear(ctx context.Context) error {
	return c.scan(ctx, func(keys []string) error {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	})
}

// Stats counts keys under the prefix and sums their stored length.
func (c *Cache) Stats(ctx context.Context) (cache.Stats, error) {
	stats := c.counters.Snapshot()
	err := c.scan(ctx, func(keys []string) error {
		pipe := c.client.Pipeline()
		lengths := make([]*goredis.IntCmd, 0, len(keys))
		for _, k := range keys {
			lengths = append(lengths, pipe.StrLen(ctx, k))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis strlen: %w", err)
		}
		for _, l := range lengths {
			stats.Entries++
			stats.Bytes += l.Val()
		}
		return nil
	})
	if err != nil {
		return cache.Stats{}, err
	}
	return stats, nil
}

func (c *Cache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *Cache) drop(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
	}
}
