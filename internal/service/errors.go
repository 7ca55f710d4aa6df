package service

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrValidation marks input rejected before any state was touched.
	ErrValidation = errors.New("validation failed")
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrMessageNotFound indicates the message does not exist or was deleted.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotAuthenticated indicates the connection has no authoritative session.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrForbidden indicates the caller acted on behalf of another identity or a room it does not belong to.
	ErrForbidden = errors.New("action not permitted")
)

var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// NewValidator returns a validator with the chat specific rules registered.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("chatid", func(fl validator.FieldLevel) bool {
		return chatIDPattern.MatchString(fl.Field().String())
	})
	return validate
}
