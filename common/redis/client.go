// Package redis wraps go-redis with the handful of operations this
// platform uses: pub/sub fan-out between the API and the gateway,
// and the rate limiter's counters and Lua script.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/common/logger"
)

const dialTimeout = 5 * time.Second

type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

// Connect dials redis and fails fast when it is unreachable.
func Connect(ctx context.Context, addr, password string, db, poolSize int, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("redis connected", "addr", addr, "db", db)
	return &Client{rdb: rdb, log: log}, nil
}

// GetUnderlying exposes the raw client for script execution.
func (c *Client) GetUnderlying() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishEvent fans a message out to a channel's subscribers.
func (c *Client) PublishEvent(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		c.log.Error("redis publish failed", "channel", channel, "error", err)
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on exact channel names.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription; the gateway uses it to
// follow every execution channel at once.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, patterns...)
}

func (c *Client) Increment(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return val, nil
}

func (c *Client) Decrement(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("decr %s: %w", key, err)
	}
	return val, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}
