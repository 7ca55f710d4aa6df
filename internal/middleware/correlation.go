package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	correlationHeader = "X-Correlation-ID"
	requestIDHeader   = "X-Request-ID"
	// Browsers cannot set headers on websocket handshakes.
	correlationQuery = "correlationId"

	maxCorrelationIDLength = 128
)

type chatContextKey int

const (
	correlationKey chatContextKey = iota
	connectionKey
)

// CorrelationID binds a correlation identifier to every request. Websocket
// upgrades may carry it in the correlationId query parameter. Identifiers
// that are too long or contain control characters are replaced.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		incoming := acceptCorrelationID(c.Get(correlationHeader))
		if incoming == "" {
			incoming = acceptCorrelationID(c.Get(requestIDHeader))
		}
		if incoming == "" && isWebsocketRoute(c) {
			incoming = acceptCorrelationID(c.Query(correlationQuery))
		}
		if incoming == "" {
			incoming = uuid.NewString()
		}

		c.Locals("correlation_id", incoming)
		c.Set(correlationHeader, incoming)
		c.SetUserContext(ContextWithCorrelation(c.UserContext(), incoming))

		return c.Next()
	}
}

func acceptCorrelationID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxCorrelationIDLength {
		return ""
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return ""
		}
	}
	return value
}

// CorrelationIDFromContext extracts the correlation identifier from context, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return contextString(ctx, correlationKey)
}

// GetCorrelationID returns the correlation identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation attaches the correlation identifier to the provided context.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	return withContextString(ctx, correlationKey, correlationID)
}

// ContextWithConnection tags ctx with the websocket connection serving it.
func ContextWithConnection(ctx context.Context, connectionID string) context.Context {
	return withContextString(ctx, connectionKey, connectionID)
}

// ConnectionIDFromContext returns the websocket connection id carried by ctx.
func ConnectionIDFromContext(ctx context.Context) string {
	return contextString(ctx, connectionKey)
}

// ContextLogger returns base enriched with the correlation and connection
// ids carried by ctx.
func ContextLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	correlation := CorrelationIDFromContext(ctx)
	connection := ConnectionIDFromContext(ctx)
	if correlation == "" && connection == "" {
		return base
	}

	fields := base.With()
	if correlation != "" {
		fields = fields.Str("correlation_id", correlation)
	}
	if connection != "" {
		fields = fields.Str("connection_id", connection)
	}
	return fields.Logger()
}

func withContextString(ctx context.Context, key chatContextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func contextString(ctx context.Context, key chatContextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
