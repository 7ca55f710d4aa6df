package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/pkg/ai"
)

// AIApology is appended as an error message when the provider fails.
const AIApology = "Sorry, I couldn't come up with a reply right now. Please try again."

const maxReplyRunes = 4000

var (
	aiMentionTokens   = []string{"@ai", "@assistant"}
	aiRequestPrefixes = []string{"help", "explain", "summarize", "translate", "can you", "could you", "please", "tell me"}
)

// ShouldTrigger reports whether a message asks for an AI reply: a trailing
// question mark, a mention token, or a request keyword at the start.
func ShouldTrigger(content string) bool {
	text := strings.ToLower(strings.TrimSpace(content))
	if text == "" {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	for _, token := range aiMentionTokens {
		if containsToken(text, token) {
			return true
		}
	}
	for _, prefix := range aiRequestPrefixes {
		if text == prefix || strings.HasPrefix(text, prefix+" ") || strings.HasPrefix(text, prefix+",") {
			return true
		}
	}
	return false
}

func containsToken(text, token string) bool {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ',' || r == ':' || r == '!' || r == '.' || r == '?'
	}) {
		if field == token {
			return true
		}
	}
	return false
}

// AITriggerConfig tunes the coordinator.
type AITriggerConfig struct {
	ReplyDelay   time.Duration
	Timeout      time.Duration
	HistoryLimit int
}

// AITriggerCoordinator schedules AI replies for triggering messages.
type AITriggerCoordinator interface {
	HandleMessage(ctx context.Context, message models.ChatMessage)
	CancelRoom(roomID string)
	Pending() int
	Shutdown(ctx context.Context) error
}

type roomScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type aiTriggerCoordinator struct {
	responder ai.Responder
	appender  MessageAppender
	history   HistoryService
	cfg       AITriggerConfig
	logger    zerolog.Logger
	tracer    trace.Tracer

	root       context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	scopes map[string]*roomScope
	closed bool

	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewAITriggerCoordinator wires the coordinator to a responder selected at startup.
func NewAITriggerCoordinator(responder ai.Responder, appender MessageAppender, history HistoryService, cfg AITriggerConfig, logger zerolog.Logger) AITriggerCoordinator {
	if cfg.ReplyDelay < 0 {
		cfg.ReplyDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}

	root, cancel := context.WithCancel(context.Background())
	return &aiTriggerCoordinator{
		responder:  responder,
		appender:   appender,
		history:    history,
		cfg:        cfg,
		logger:     logger.With().Str("component", "ai_trigger").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-chat/internal/service/ai"),
		root:       root,
		rootCancel: cancel,
		scopes:     make(map[string]*roomScope),
	}
}

// HandleMessage is registered as a message-appended listener. It never blocks.
func (c *aiTriggerCoordinator) HandleMessage(_ context.Context, message models.ChatMessage) {
	if c.responder == nil || message.Kind != models.MessageKindText || message.AuthorID == ai.AssistantAuthorID {
		return
	}
	if !ShouldTrigger(message.Content) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	scope := c.scopeFor(message.RoomID)
	c.wg.Add(1)
	c.pending.Add(1)
	c.mu.Unlock()

	c.logger.Debug().Str("room_id", message.RoomID).Str("message_id", message.ID).Dur("delay", c.cfg.ReplyDelay).Msg("ai reply scheduled")
	go c.dispatch(scope.ctx, message)
}

// CancelRoom drops every pending dispatch for the room.
func (c *aiTriggerCoordinator) CancelRoom(roomID string) {
	c.mu.Lock()
	scope, ok := c.scopes[roomID]
	delete(c.scopes, roomID)
	c.mu.Unlock()

	if ok {
		scope.cancel()
		c.logger.Debug().Str("room_id", roomID).Msg("pending ai replies cancelled")
	}
}

func (c *aiTriggerCoordinator) Pending() int {
	return int(c.pending.Load())
}

// Shutdown cancels every pending dispatch and waits for them to exit.
func (c *aiTriggerCoordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.scopes = make(map[string]*roomScope)
	c.mu.Unlock()
	c.rootCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *aiTriggerCoordinator) scopeFor(roomID string) *roomScope {
	scope, ok := c.scopes[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(c.root)
		scope = &roomScope{ctx: ctx, cancel: cancel}
		c.scopes[roomID] = scope
	}
	return scope
}

func (c *aiTriggerCoordinator) dispatch(ctx context.Context, message models.ChatMessage) {
	defer c.wg.Done()
	defer c.pending.Add(-1)

	timer := time.NewTimer(c.cfg.ReplyDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.dropped(message, "cancelled before delay elapsed")
		return
	case <-timer.C:
	}

	spanCtx, span := c.tracer.Start(ctx, "ai.dispatch", trace.WithAttributes(
		attribute.String("chat.room_id", message.RoomID),
		attribute.String("chat.message_id", message.ID),
		attribute.String("ai.provider", c.responder.Name()),
	))
	defer span.End()

	request := ai.Request{RoomID: message.RoomID, Message: toAIMessage(message), History: c.recentHistory(spanCtx, message.RoomID)}

	replyCtx, cancel := context.WithTimeout(spanCtx, c.cfg.Timeout)
	reply, err := c.responder.Respond(replyCtx, request)
	cancel()

	if ctx.Err() != nil {
		c.dropped(message, "cancelled while waiting for provider")
		return
	}

	outcome := "replied"
	out := dto.SendMessageRequest{
		RoomID:   message.RoomID,
		AuthorID: ai.AssistantAuthorID,
		Content:  truncateRunes(strings.TrimSpace(reply), maxReplyRunes),
		Kind:     string(models.MessageKindAI),
		Metadata: map[string]interface{}{"replyTo": message.ID, "provider": c.responder.Name()},
	}
	if err != nil || strings.TrimSpace(reply) == "" {
		if err == nil {
			err = errors.New("empty reply")
		}
		span.RecordError(err)
		c.logger.Warn().Err(err).Str("room_id", message.RoomID).Str("message_id", message.ID).Msg("ai provider failed")
		outcome = "failed"
		out.Content = AIApology
		out.Kind = string(models.MessageKindError)
	}

	if _, err := c.appender.Append(spanCtx, out); err != nil {
		if ctx.Err() != nil {
			c.dropped(message, "cancelled while appending reply")
			return
		}
		span.RecordError(err)
		c.logger.Error().Err(err).Str("room_id", message.RoomID).Msg("failed to append ai reply")
		observability.AIDispatches().WithLabelValues("append_failed").Inc()
		return
	}

	observability.AIDispatches().WithLabelValues(outcome).Inc()
}

func (c *aiTriggerCoordinator) recentHistory(ctx context.Context, roomID string) []ai.Message {
	if c.history == nil {
		return nil
	}

	recent, err := c.history.History(ctx, dto.ChatHistoryQuery{RoomID: roomID, Limit: c.cfg.HistoryLimit})
	if err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to load history for ai reply")
		return nil
	}

	history := make([]ai.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		history = append(history, toAIMessage(recent[i]))
	}
	return history
}

func (c *aiTriggerCoordinator) dropped(message models.ChatMessage, reason string) {
	observability.AIDispatches().WithLabelValues("cancelled").Inc()
	c.logger.Debug().Str("room_id", message.RoomID).Str("message_id", message.ID).Msg("ai reply dropped: " + reason)
}

func toAIMessage(message models.ChatMessage) ai.Message {
	return ai.Message{
		ID:        message.ID,
		AuthorID:  message.AuthorID,
		Content:   message.Content,
		Kind:      string(message.Kind),
		CreatedAt: message.CreatedAt,
	}
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
