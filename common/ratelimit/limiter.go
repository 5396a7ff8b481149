package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/redis"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Action is a rate-limited operation class
type Action string

const (
	ActionCompile      Action = "compile"
	ActionExecute      Action = "execute"
	ActionChat         Action = "chat"
	ActionLogin        Action = "login"
	ActionRegistration Action = "registration"
)

// Tier is a billing plan with its own limits
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limit is requests-per-window; zero means unlimited
type Limit struct {
	Requests int
	Window   time.Duration
}

// Per-tier, per-action quotas. Enterprise is unlimited and never
// touches redis.
var tierLimits = map[Tier]map[Action]Limit{
	TierFree: {
		ActionCompile:      {Requests: 30, Window: time.Minute},
		ActionExecute:      {Requests: 10, Window: time.Minute},
		ActionChat:         {Requests: 20, Window: time.Minute},
		ActionLogin:        {Requests: 10, Window: 5 * time.Minute},
		ActionRegistration: {Requests: 5, Window: time.Hour},
	},
	TierPro: {
		ActionCompile:      {Requests: 300, Window: time.Minute},
		ActionExecute:      {Requests: 100, Window: time.Minute},
		ActionChat:         {Requests: 200, Window: time.Minute},
		ActionLogin:        {Requests: 30, Window: 5 * time.Minute},
		ActionRegistration: {Requests: 5, Window: time.Hour},
	},
}

// Per-tier concurrent stream caps; zero means unlimited
var streamCaps = map[Tier]int{
	TierFree: 3,
	TierPro:  20,
}

// Result describes one limiter decision
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// ErrLimitExceeded is returned by Acquire-style calls
type ErrLimitExceeded struct {
	Action     Action
	RetryAfter time.Duration
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}

// Limiter enforces per-user quotas with redis fixed windows. It fails
// open: a redis outage must not take request handling down with it.
type Limiter struct {
	redis  *redis.Client
	script *goredis.Script
	log    *logger.Logger
}

func New(client *redis.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		redis:  client,
		script: goredis.NewScript(rateLimitScript),
		log:    log,
	}
}

// Allow checks and consumes one unit of quota
func (l *Limiter) Allow(ctx context.Context, userID string, tier Tier, action Action) (Result, error) {
	limit, limited := tierLimits[tier][action]
	if !limited || limit.Requests <= 0 {
		return Result{Allowed: true}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s:%s", tier, action, userID)
	raw, err := l.script.Run(ctx, l.redis.GetUnderlying(), []string{key},
		int(limit.Window.Seconds()), limit.Requests).Result()
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			"action", action, "error", err)
		return Result{Allowed: true, Limit: limit.Requests}, nil
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Result{Allowed: true, Limit: limit.Requests}, nil
	}
	count, _ := values[0].(int64)
	ttl, _ := values[1].(int64)
	allowed, _ := values[2].(int64)

	result := Result{
		Allowed:    allowed == 1,
		Count:      count,
		Limit:      limit.Requests,
		RetryAfter: time.Duration(ttl) * time.Second,
	}
	if !result.Allowed {
		return result, &ErrLimitExceeded{Action: action, RetryAfter: result.RetryAfter}
	}
	return result, nil
}

// AcquireStream reserves a concurrent stream slot. The returned
// release function must be called when the stream ends.
func (l *Limiter) AcquireStream(ctx context.Context, userID string, tier Tier) (func(), error) {
	cap, capped := streamCaps[tier]
	if !capped || cap <= 0 {
		return func() {}, nil
	}

	key := fmt.Sprintf("ratelimit:streams:%s", userID)
	count, err := l.redis.Increment(ctx, key)
	if err != nil {
		l.log.Warn("stream slot check failed, allowing stream", "error", err)
		return func() {}, nil
	}
	// slots without an active release must not leak forever
	_ = l.redis.Expire(ctx, key, time.Hour)

	if count > int64(cap) {
		if _, err := l.redis.Decrement(ctx, key); err != nil {
			l.log.Warn("release over-limit stream slot", "error", err)
		}
		return nil, &ErrLimitExceeded{Action: "stream", RetryAfter: 0}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.redis.Decrement(ctx, key); err != nil {
			l.log.Warn("release stream slot", "error", err)
		}
	}
	return release, nil
}
