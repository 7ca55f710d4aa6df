package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// MessageListener observes every durably appended message. Listeners run
// while the room's ordering lock is held and must not block.
type MessageListener func(ctx context.Context, message models.ChatMessage)

// RoomActivityRecorder is notified of activity in a room.
type RoomActivityRecorder interface {
	Touch(ctx context.Context, roomID string, at time.Time) error
}

// MessageAppender appends messages to rooms.
type MessageAppender interface {
	Append(ctx context.Context, req dto.SendMessageRequest) (models.ChatMessage, error)
}

// MessageService owns the durable message records.
type MessageService interface {
	MessageAppender
	Get(ctx context.Context, id string) (models.ChatMessage, error)
	SoftDelete(ctx context.Context, id string) (models.ChatMessage, error)
	RetentionCleanup(ctx context.Context, maxAgeDays int) (int, error)
	StartRetention(ctx context.Context, maxAgeDays int, interval time.Duration)
	OnAppend(listener MessageListener)
	OnDelete(listener MessageListener)
}

type messageService struct {
	repo      repository.MessageRepository
	rooms     RoomActivityRecorder
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	listenersMu     sync.RWMutex
	listeners       []MessageListener
	deleteListeners []MessageListener
}

// NewMessageService constructs the message store service.
func NewMessageService(repo repository.MessageRepository, rooms RoomActivityRecorder, validate *validator.Validate, logger zerolog.Logger) MessageService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &messageService{
		repo:      repo,
		rooms:     rooms,
		validator: validate,
		sanitizer: sanitizer,
		logger:    logger.With().Str("component", "message_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat/internal/service/message"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *messageService) OnAppend(listener MessageListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// OnDelete registers a listener for tombstoned and hard-deleted messages.
func (s *messageService) OnDelete(listener MessageListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.deleteListeners = append(s.deleteListeners, listener)
}

func (s *messageService) notifyDeleted(ctx context.Context, message models.ChatMessage) {
	s.listenersMu.RLock()
	listeners := append([]MessageListener(nil), s.deleteListeners...)
	s.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, message)
	}
}

// Append persists a message and then notifies listeners, holding the room
// lock across both so fan-out order equals write order.
func (s *messageService) Append(ctx context.Context, req dto.SendMessageRequest) (models.ChatMessage, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.AuthorID = strings.TrimSpace(req.AuthorID)
	if req.Kind == "" {
		req.Kind = string(models.MessageKindText)
	}

	if err := s.validator.Struct(req); err != nil {
		return models.ChatMessage{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !models.MessageKind(req.Kind).Valid() {
		return models.ChatMessage{}, fmt.Errorf("%w: unknown message kind %q", ErrValidation, req.Kind)
	}

	content := sanitizeText(s.sanitizer, req.Content)
	if content == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: message content empty after sanitization", ErrValidation)
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.append", trace.WithAttributes(
		attribute.String("chat.room_id", req.RoomID),
		attribute.String("chat.author_id", req.AuthorID),
		attribute.String("chat.kind", req.Kind),
	))
	defer span.End()

	message := models.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    req.RoomID,
		AuthorID:  req.AuthorID,
		Content:   content,
		Kind:      models.MessageKind(req.Kind),
		Metadata:  req.Metadata,
		CreatedAt: s.now(),
	}

	lock := s.roomLock(message.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.Create(spanCtx, &message); err != nil {
		span.RecordError(err)
		logger := middleware.ContextLogger(ctx, s.logger)
		logger.Error().Err(err).Str("room_id", message.RoomID).Msg("failed to append message")
		return models.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}

	if s.rooms != nil {
		if err := s.rooms.Touch(spanCtx, message.RoomID, message.CreatedAt); err != nil {
			s.logger.Warn().Err(err).Str("room_id", message.RoomID).Msg("failed to update room activity")
		}
	}

	observability.ChatMessagesAppended().WithLabelValues(string(message.Kind)).Inc()

	s.listenersMu.RLock()
	listeners := append([]MessageListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(spanCtx, message)
	}

	return message, nil
}

// sanitizeTextRounds bounds how many entity layers sanitizeText decodes.
const sanitizeTextRounds = 4

// sanitizeText strips disallowed markup but keeps plain text verbatim, so
// quotes, ampersands and angle brackets are stored as typed. Entities that
// decode into markup are sanitised again; input that never settles is
// rejected as empty.
func sanitizeText(policy *bluemonday.Policy, raw string) string {
	text := raw
	for i := 0; i < sanitizeTextRounds; i++ {
		next := html.UnescapeString(policy.Sanitize(text))
		if next == text {
			return strings.TrimSpace(text)
		}
		text = next
	}
	return ""
}

// Get returns a live message; tombstoned messages are reported as not found.
func (s *messageService) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	message, err := s.repo.Get(ctx, strings.TrimSpace(id))
	if repository.IsNotFound(err) {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return models.ChatMessage{}, err
	}
	if message.Deleted {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	return message, nil
}

func (s *messageService) SoftDelete(ctx context.Context, id string) (models.ChatMessage, error) {
	message, err := s.repo.Get(ctx, strings.TrimSpace(id))
	if repository.IsNotFound(err) {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return models.ChatMessage{}, err
	}
	if message.Deleted {
		return message, nil
	}

	lock := s.roomLock(message.RoomID)
	lock.Lock()
	defer lock.Unlock()

	message.Deleted = true
	if err := s.repo.Update(ctx, message); err != nil {
		if repository.IsNotFound(err) {
			return models.ChatMessage{}, ErrMessageNotFound
		}
		return models.ChatMessage{}, fmt.Errorf("soft delete message: %w", err)
	}

	s.logger.Info().Str("message_id", message.ID).Str("room_id", message.RoomID).Msg("message tombstoned")
	s.notifyDeleted(ctx, message)
	return message, nil
}

// RetentionCleanup hard-deletes every message created before now minus
// maxAgeDays. Once started it runs to completion regardless of ctx.
func (s *messageService) RetentionCleanup(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, fmt.Errorf("%w: maxAgeDays must not be negative", ErrValidation)
	}

	runCtx := context.WithoutCancel(ctx)
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	deleted := 0
	err := s.repo.ScanAll(runCtx, func(message models.ChatMessage) (bool, error) {
		if !message.CreatedAt.Before(cutoff) {
			return true, nil
		}
		if err := s.repo.Delete(runCtx, message); err != nil {
			return false, err
		}
		deleted++
		s.notifyDeleted(runCtx, message)
		return true, nil
	})

	observability.RetentionDeleted().Add(float64(deleted))
	if err != nil {
		s.logger.Error().Err(err).Int("deleted", deleted).Msg("retention cleanup aborted")
		return deleted, fmt.Errorf("retention cleanup: %w", err)
	}

	s.logger.Info().Int("deleted", deleted).Int("max_age_days", maxAgeDays).Time("cutoff", cutoff).Msg("retention cleanup finished")
	return deleted, nil
}

// StartRetention runs RetentionCleanup on every interval until ctx is done.
func (s *messageService) StartRetention(ctx context.Context, maxAgeDays int, interval time.Duration) {
	if maxAgeDays <= 0 || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RetentionCleanup(ctx, maxAgeDays); err != nil {
					s.logger.Warn().Err(err).Msg("scheduled retention cleanup failed")
				}
			}
		}
	}()
}

func (s *messageService) roomLock(roomID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[roomID] = lock
	}
	return lock
}
