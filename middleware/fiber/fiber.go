// Package fiber provides Fiber middleware for free-tier quota enforcement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/quotagate/pkg/quotagate"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate is the quota gate instance (required)
	Gate *quotagate.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// DeniedStatusCode is the HTTP status code to return when the limit is reached
	// Default: 403 (Forbidden)
	DeniedStatusCode int

	// OnDenied is called when the free-tier limit is reached
	// If nil, uses default response: DeniedStatusCode with the gate result as JSON
	OnDenied func(c *fiber.Ctx, result *quotagate.GateResult) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that consumes one quota request per
// call and blocks free-tier users past the limit
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("quotagate/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("quotagate/fiber: Config.GetUserID is required")
	}

	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		result, err := cfg.Gate.CheckAndConsume(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !result.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, result)
			}
			return c.Status(cfg.DeniedStatusCode).JSON(result)
		}

		return c.Next()
	}
}

// Convenience extractors for User ID

// FromLocals returns a UserIDExtractor that gets user ID from Fiber locals
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
