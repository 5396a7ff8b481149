package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/common/ratelimit"
)

// RateLimit enforces the per-tier quota for one action class. It runs
// after JWT so the user and tier are known.
func RateLimit(limiter *ratelimit.Limiter, action ratelimit.Action) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := GetUserID(c)
			if userID == "" {
				return next(c)
			}

			result, err := limiter.Allow(c.Request().Context(), userID, GetTier(c), action)
			if err != nil {
				var limitErr *ratelimit.ErrLimitExceeded
				if errors.As(err, &limitErr) {
					c.Response().Header().Set("Retry-After",
						strconv.Itoa(int(limitErr.RetryAfter.Seconds())))
					return c.JSON(http.StatusTooManyRequests, map[string]any{
						"error":       "rate limit exceeded",
						"retry_after": int(limitErr.RetryAfter.Seconds()),
					})
				}
				return err
			}
			if result.Limit > 0 {
				c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			}
			return next(c)
		}
	}
}
