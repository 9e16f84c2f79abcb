// Package seen remembers recently ingested event ids in Redis so redelivered
// events skip the database round trip.
package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "nostrsync:seen:"
)

type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

type Option func(*RedisCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func NewRedis(client redis.Cmdable, opts ...Option) *RedisCache {
	c := &RedisCache{client: client, ttl: defaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seen reports whether eventID was marked within the TTL. A miss says nothing;
// the store remains authoritative.
func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("check seen %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, c.prefix+eventID, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("mark seen %s: %w", eventID, err)
	}
	return nil
}
