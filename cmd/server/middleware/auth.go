package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/common/ratelimit"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// TierKey is the context key for the user's billing tier
	TierKey ContextKey = "tier"
)

// JWT validates a Bearer token (HS256) and stores the subject claim
// as the user ID. The optional tier claim selects rate limits.
func JWT(secret, issuer string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "missing bearer token",
				})
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "invalid token",
				})
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				return c.JSON(http.StatusUnauthorized, map[string]any{
					"error": "token has no subject",
				})
			}

			c.Set(string(UserIDKey), sub)
			if tier, ok := claims["tier"].(string); ok && tier != "" {
				c.Set(string(TierKey), tier)
			}
			return next(c)
		}
	}
}

// GetUserID retrieves the authenticated user from the request context
func GetUserID(c echo.Context) string {
	if v, ok := c.Get(string(UserIDKey)).(string); ok {
		return v
	}
	return ""
}

// GetTier retrieves the user's billing tier, defaulting to free
func GetTier(c echo.Context) ratelimit.Tier {
	if v, ok := c.Get(string(TierKey)).(string); ok && v != "" {
		return ratelimit.Tier(v)
	}
	return ratelimit.TierFree
}
