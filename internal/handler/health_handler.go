package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// ConnectionCounter reports the number of open realtime connections.
type ConnectionCounter interface {
	Connections() int
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Connections int       `json:"connections"`
	AIProvider  string    `json:"aiProvider"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, counter ConnectionCounter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			AIProvider:  cfg.AIProvider,
		}
		if counter != nil {
			payload.Connections = counter.Connections()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
