package middleware

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/observability"
)

const chatRoutePrefix = "/api/v1/chat"

// Observability records request counts for chat routes and latency for the
// REST ones. Websocket handshakes are counted by outcome only since the
// upgraded connection outlives the request.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), chatRoutePrefix) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		method := c.Method()
		route := routeTemplate(c)
		status := responseStatus(c, err)
		observability.HTTPRequests().WithLabelValues(method, route, strconv.Itoa(status)).Inc()

		requestLogger := ContextLogger(c.UserContext(), logger).With().
			Str("route", route).
			Str("method", method).
			Int("status", status).
			Logger()

		if isWebsocketRoute(c) {
			if status != fiber.StatusSwitchingProtocols {
				requestLogger.Warn().Msg("chat websocket handshake rejected")
			}
			return err
		}

		observability.HTTPLatency().WithLabelValues(method, route).Observe(duration.Seconds())
		event := requestLogger.Debug()
		switch {
		case status >= fiber.StatusInternalServerError:
			event = requestLogger.Error()
		case status >= fiber.StatusBadRequest:
			event = requestLogger.Warn()
		}
		event.
			Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
			Str("latency_bucket", latencyBucket(duration)).
			Msg("chat request completed")

		return err
	}
}

// responseStatus reports the status the client will see. Errors returned up
// the chain are rendered later by the app error handler, so their code wins
// over the response written so far.
func responseStatus(c *fiber.Ctx, err error) int {
	var fiberErr *fiber.Error
	switch {
	case err == nil:
		return c.Response().StatusCode()
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	default:
		return fiber.StatusInternalServerError
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 50*time.Millisecond:
		return "<=50ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 250*time.Millisecond:
		return "<=250ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	default:
		return ">500ms"
	}
}
