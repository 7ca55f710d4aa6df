package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler       *handler.ChatHandler
	ConnectionCounter handler.ConnectionCounter
	MemberMiddleware  fiber.Handler
	AdminMiddleware   fiber.Handler
	SendRateLimiter   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.ConnectionCounter))

	if deps.ChatHandler != nil {
		deps.ChatHandler.Register(api.Group("/chat"), handler.RouteGuards{
			Member:      deps.MemberMiddleware,
			Admin:       deps.AdminMiddleware,
			SendLimiter: deps.SendRateLimiter,
		})
	}
}
