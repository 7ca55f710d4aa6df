package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
)

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	if c == nil {
		return &base
	}
	logger := middleware.ContextLogger(requestContext(c), base)
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// statusForError maps service errors onto HTTP statuses and error codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation), isValidationError(err):
		return fiber.StatusBadRequest, service.CodeValidation
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrMessageNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrNotAuthenticated):
		return fiber.StatusUnauthorized, service.CodeNotAuthenticated
	case errors.Is(err, service.ErrForbidden):
		return fiber.StatusForbidden, service.CodeForbidden
	default:
		return fiber.StatusInternalServerError, service.CodeInternal
	}
}
