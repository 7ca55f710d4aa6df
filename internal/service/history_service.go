package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryService reads room history and searches message content.
type HistoryService interface {
	History(ctx context.Context, query dto.ChatHistoryQuery) ([]models.ChatMessage, error)
	Search(ctx context.Context, query dto.ChatSearchQuery) ([]models.ChatMessage, error)
}

type historyService struct {
	repo      repository.MessageRepository
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewHistoryService constructs the history and search engine.
func NewHistoryService(repo repository.MessageRepository, validate *validator.Validate, logger zerolog.Logger) HistoryService {
	return &historyService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "history_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat/internal/service/history"),
	}
}

// History returns up to limit live messages of the room, newest first,
// after skipping offset of them.
func (s *historyService) History(ctx context.Context, query dto.ChatHistoryQuery) ([]models.ChatMessage, error) {
	query.RoomID = strings.TrimSpace(query.RoomID)
	if err := s.validator.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	limit := normaliseLimit(query.Limit)

	spanCtx, span := s.tracer.Start(ctx, "chat.history", trace.WithAttributes(
		attribute.String("chat.room_id", query.RoomID),
		attribute.Int("chat.limit", limit),
		attribute.Int("chat.offset", query.Offset),
	))
	defer span.End()

	messages := make([]models.ChatMessage, 0, limit)
	skipped := 0
	err := s.repo.ScanRoom(spanCtx, query.RoomID, true, func(message models.ChatMessage) (bool, error) {
		if message.Deleted {
			return true, nil
		}
		if skipped < query.Offset {
			skipped++
			return true, nil
		}
		messages = append(messages, message)
		return len(messages) < limit, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load history: %w", err)
	}

	return messages, nil
}

// Search returns the first limit live messages, in key order, whose content
// contains the query case-insensitively. Each call scans the candidate
// records; there is no index.
func (s *historyService) Search(ctx context.Context, query dto.ChatSearchQuery) ([]models.ChatMessage, error) {
	query.RoomID = strings.TrimSpace(query.RoomID)
	if err := s.validator.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	limit := normaliseLimit(query.Limit)
	needle := strings.ToLower(query.Query)

	spanCtx, span := s.tracer.Start(ctx, "chat.search", trace.WithAttributes(
		attribute.String("chat.room_id", query.RoomID),
		attribute.Int("chat.limit", limit),
	))
	defer span.End()

	matches := make([]models.ChatMessage, 0)
	visit := func(message models.ChatMessage) (bool, error) {
		if message.Deleted || !strings.Contains(strings.ToLower(message.Content), needle) {
			return true, nil
		}
		matches = append(matches, message)
		return len(matches) < limit, nil
	}

	var err error
	if query.RoomID != "" {
		err = s.repo.ScanRoom(spanCtx, query.RoomID, false, visit)
	} else {
		err = s.repo.ScanAll(spanCtx, visit)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search messages: %w", err)
	}

	s.logger.Debug().Str("room_id", query.RoomID).Int("matches", len(matches)).Msg("search completed")
	return matches, nil
}

func normaliseLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return limit
	}
}
