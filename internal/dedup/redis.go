package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ltv-alert/internal/core"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores dedup state as JSON strings with a key expiry
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to url (redis://host:port/db) and pings the server
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) GetLastState(ctx context.Context, key Key) (core.BreachState, bool, error) {
	raw, err := c.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.BreachState{}, false, nil
	}
	if err != nil {
		return core.BreachState{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var state core.BreachState
	if err := json.Unmarshal(raw, &state); err != nil {
		// unreadable state is treated as absent
		return core.BreachState{}, false, nil
	}
	return state, true, nil
}

func (c *RedisCache) SetState(ctx context.Context, key Key, state core.BreachState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal dedup state: %w", err)
	}
	if err := c.client.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, key.String()).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
