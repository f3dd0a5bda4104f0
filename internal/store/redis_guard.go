package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "hookgate:replay:"

// RedisGuard implements the single-use replay guard on Redis. SET NX with
// a TTL is the atomic insert; expiry bounds guard-record growth to the
// tolerance window.
type RedisGuard struct {
	client *redis.Client
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

func (g *RedisGuard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, replayKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve replay key: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
