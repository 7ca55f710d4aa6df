package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// ChatServices groups the services behind the chat routes.
type ChatServices struct {
	Chat     service.ChatService
	Messages service.MessageService
	Rooms    service.RoomService
	History  service.HistoryService
	Sessions service.SessionService
	Feedback service.FeedbackService
}

// ChatHandler wires chat endpoints including the websocket upgrade.
type ChatHandler struct {
	services  ChatServices
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(services ChatServices, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		services:  services,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// RouteGuards holds the middlewares placed in front of chat routes. Nil
// guards let requests through.
type RouteGuards struct {
	// Member authenticates callers of user scoped mutations.
	Member fiber.Handler
	// Admin protects room teardown, member removal and retention.
	Admin fiber.Handler
	// SendLimiter throttles message submission.
	SendLimiter fiber.Handler
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router, guards RouteGuards) {
	member := orPassThrough(guards.Member)
	admin := orPassThrough(guards.Admin)
	sendLimiter := orPassThrough(guards.SendLimiter)

	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))

	router.Post("/messages", member, sendLimiter, h.sendMessage)
	router.Delete("/messages/:id", member, h.deleteMessage)
	router.Post("/messages/:id/feedback", member, h.feedback)

	router.Post("/rooms", member, h.createOrJoin)
	router.Get("/rooms", h.listRooms)
	router.Get("/rooms/:roomId", h.getRoom)
	router.Get("/rooms/:roomId/messages", h.history)
	router.Delete("/rooms/:roomId", admin, h.deleteRoom)
	router.Delete("/rooms/:roomId/members/:userId", admin, h.removeMember)

	router.Get("/search", h.search)
	router.Get("/presence", h.presence)
	router.Post("/maintenance/retention", admin, h.retention)
}

func orPassThrough(guard fiber.Handler) fiber.Handler {
	if guard != nil {
		return guard
	}
	return func(c *fiber.Ctx) error { return c.Next() }
}

// actingAs rejects requests whose bearer subject differs from the identity in
// the payload. Anonymous requests pass when no member guard is configured.
func actingAs(c *fiber.Ctx, userID string) error {
	subject := middleware.UserIDFromLocals(c)
	if subject == "" || subject == strings.TrimSpace(userID) {
		return nil
	}
	return fmt.Errorf("%w: token subject %q cannot act as %q", service.ErrForbidden, subject, userID)
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	correlation, _ := conn.Locals("correlation_id").(string)
	opts := service.ChatConnectionOptions{
		CorrelationID: correlation,
		Context:       middleware.ContextWithCorrelation(context.Background(), correlation),
	}

	logger := middleware.ContextLogger(opts.Context, h.logger)
	logger.Info().Msg("chat websocket connected")
	h.services.Chat.ServeConnection(conn, opts)
	logger.Info().Msg("chat websocket disconnected")
}

func (h *ChatHandler) sendMessage(c *fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid request payload")
	}

	if err := actingAs(c, req.AuthorID); err != nil {
		return h.writeError(c, err)
	}

	message, err := h.services.Messages.Append(requestContext(c), req)
	if err != nil {
		return h.writeError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", dto.NewChatMessageResponse(message))
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	ctx := requestContext(c)
	id := c.Params("id")

	if middleware.UserIDFromLocals(c) != "" && !middleware.HasRole(c, middleware.RoleAdmin) {
		existing, err := h.services.Messages.Get(ctx, id)
		if err != nil {
			return h.writeError(c, err)
		}
		if err := actingAs(c, existing.AuthorID); err != nil {
			return h.writeError(c, err)
		}
	}

	message, err := h.services.Messages.SoftDelete(ctx, id)
	if err != nil {
		return h.writeError(c, err)
	}

	return utils.SendSuccess(c, "message deleted", fiber.Map{"id": message.ID, "deleted": true})
}

func (h *ChatHandler) feedback(c *fiber.Ctx) error {
	var req dto.FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid request payload")
	}

	if err := actingAs(c, req.UserID); err != nil {
		return h.writeError(c, err)
	}

	if err := h.services.Feedback.Submit(requestContext(c), c.Params("id"), req); err != nil {
		return h.writeError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "feedback recorded", nil)
}

func (h *ChatHandler) createOrJoin(c *fiber.Ctx) error {
	var req dto.RoomJoinRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid request payload")
	}

	if err := actingAs(c, req.UserID); err != nil {
		return h.writeError(c, err)
	}

	room, err := h.services.Rooms.CreateOrJoin(requestContext(c), req)
	if err != nil {
		return h.writeError(c, err)
	}

	return utils.SendSuccess(c, "room joined", room)
}

func (h *ChatHandler) listRooms(c *fiber.Ctx) error {
	rooms := h.services.Rooms.ListActive(requestContext(c))
	return utils.OK(c, rooms, "active rooms", fiber.Map{"count": len(rooms)})
}

func (h *ChatHandler) getRoom(c *fiber.Ctx) error {
	room, err := h.services.Rooms.Get(requestContext(c), c.Params("roomId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return utils.SendSuccess(c, "room", room)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	var query dto.ChatHistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid query parameters")
	}
	query.RoomID = c.Params("roomId")

	messages, err := h.services.History.History(requestContext(c), query)
	if err != nil {
		return h.writeError(c, err)
	}

	return utils.OK(c, dto.NewChatMessageResponseSlice(messages), "chat history", fiber.Map{
		"roomId": query.RoomID,
		"limit":  query.Limit,
		"offset": query.Offset,
		"count":  len(messages),
	})
}

func (h *ChatHandler) search(c *fiber.Ctx) error {
	var query dto.ChatSearchQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid query parameters")
	}

	messages, err := h.services.History.Search(requestContext(c), query)
	if err != nil {
		return h.writeError(c, err)
	}

	return utils.OK(c, dto.NewChatMessageResponseSlice(messages), "search results", fiber.Map{
		"q":     query.Query,
		"count": len(messages),
	})
}

func (h *ChatHandler) presence(c *fiber.Ctx) error {
	online := h.services.Sessions.Online()
	return utils.OK(c, online, "online users", fiber.Map{"count": len(online)})
}

func (h *ChatHandler) deleteRoom(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	if err := h.services.Rooms.Delete(requestContext(c), roomID); err != nil {
		return h.writeError(c, err)
	}

	requestLogger(h.logger, c).Info().Str("room_id", roomID).Str("actor", middleware.UserIDFromLocals(c)).Msg("room deleted")
	return utils.SendSuccess(c, "room deleted", fiber.Map{"id": roomID})
}

func (h *ChatHandler) removeMember(c *fiber.Ctx) error {
	roomID := c.Params("roomId")
	userID := c.Params("userId")
	if err := h.services.Rooms.RemoveMember(requestContext(c), roomID, userID); err != nil {
		return h.writeError(c, err)
	}

	return utils.SendSuccess(c, "member removed", fiber.Map{"roomId": roomID, "userId": userID})
}

func (h *ChatHandler) retention(c *fiber.Ctx) error {
	var req dto.RetentionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendErrorCode(c, fiber.StatusBadRequest, service.CodeBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return h.writeError(c, fmt.Errorf("%w: %v", service.ErrValidation, err))
	}

	deleted, err := h.services.Messages.RetentionCleanup(requestContext(c), req.MaxAgeDays)
	if err != nil {
		return h.writeError(c, err)
	}

	requestLogger(h.logger, c).Info().Int("max_age_days", req.MaxAgeDays).Int("deleted", deleted).Msg("retention cleanup requested")
	return utils.SendSuccess(c, "retention cleanup finished", dto.RetentionResponse{MaxAgeDays: req.MaxAgeDays, Deleted: deleted})
}

func (h *ChatHandler) writeError(c *fiber.Ctx, err error) error {
	status, code := statusForError(err)
	if status >= fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Str("path", c.Path()).Msg("chat request failed")
		return utils.SendErrorCode(c, status, code, "internal server error")
	}
	return utils.SendErrorCode(c, status, code, strings.TrimSpace(err.Error()))
}
