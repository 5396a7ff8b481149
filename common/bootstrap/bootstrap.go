// Package bootstrap stands up the shared infrastructure every binary
// needs: config, logging, postgres, redis, and the credential cache.
// Binaries opt out of what they don't use.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/flowforge/flowforge/common/cache"
	"github.com/flowforge/flowforge/common/config"
	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/redis"
)

// Option trims the component set for a binary.
type Option func(*setupPlan)

type setupPlan struct {
	db    bool
	redis bool
	cache bool
}

// WithoutDB skips the postgres pool.
func WithoutDB() Option { return func(p *setupPlan) { p.db = false } }

// WithoutRedis skips the redis client.
func WithoutRedis() Option { return func(p *setupPlan) { p.redis = false } }

// WithoutCache skips the in-memory credential cache.
func WithoutCache() Option { return func(p *setupPlan) { p.cache = false } }

// Setup loads config, builds the logger, and connects everything the
// plan keeps. On any failure it tears down what already started and
// returns the error; a half-initialized service never reaches main.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	plan := setupPlan{db: true, redis: true, cache: true}
	for _, opt := range opts {
		opt(&plan)
	}

	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat).Named(serviceName)
	log.Info("starting service", "environment", cfg.Service.Environment)

	c := &Components{Config: cfg, Logger: log}

	if plan.db {
		c.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			c.Shutdown(ctx)
			return nil, fmt.Errorf("connect database: %w", err)
		}
		c.onShutdown(func() error {
			c.DB.Close()
			return nil
		})
	}

	if plan.redis {
		c.Redis, err = redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			c.Shutdown(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.onShutdown(c.Redis.Close)
	}

	if plan.cache {
		c.Cache = cache.NewMemoryCache(log)
		c.onShutdown(c.Cache.Close)
	}

	log.Info("service components ready",
		"db", c.DB != nil,
		"redis", c.Redis != nil,
		"cache", c.Cache != nil)
	return c, nil
}
