package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-chat/internal/utils"
)

// RateLimit creates a rate limiter keyed by the authenticated subject, or the
// client address for anonymous callers.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests")
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			userID := UserIDFromLocals(c)
			if userID == "" {
				userID = c.IP()
			}
			return fmt.Sprintf("%s:%s", identifier, userID)
		},
	})
}
