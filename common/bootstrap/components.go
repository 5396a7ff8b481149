package bootstrap

import (
	"context"
	"errors"

	"github.com/flowforge/flowforge/common/cache"
	"github.com/flowforge/flowforge/common/config"
	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/redis"
)

// Components is what Setup hands a binary: everything already
// connected, plus the teardown order.
type Components struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.DB
	Redis  *redis.Client
	Cache  cache.Cache

	shutdownFns []func() error
}

func (c *Components) onShutdown(fn func() error) {
	c.shutdownFns = append(c.shutdownFns, fn)
}

// Shutdown tears components down in reverse start order. All cleanups
// run even when earlier ones fail; the errors come back joined.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down")
	var errs []error
	for i := len(c.shutdownFns) - 1; i >= 0; i-- {
		if err := c.shutdownFns[i](); err != nil {
			c.Logger.Error("cleanup failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health pings every connected backend; used by readiness endpoints.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return err
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Health(ctx); err != nil {
			return err
		}
	}
	return nil
}
