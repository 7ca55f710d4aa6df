package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// RoomTeardownListener is called after a room has been deleted.
type RoomTeardownListener func(roomID string)

// RoomService owns room metadata and membership.
type RoomService interface {
	RoomActivityRecorder
	Load(ctx context.Context) error
	CreateOrJoin(ctx context.Context, req dto.RoomJoinRequest) (dto.RoomResponse, error)
	ListActive(ctx context.Context) []dto.RoomSummaryResponse
	Get(ctx context.Context, roomID string) (dto.RoomResponse, error)
	IsMember(roomID, userID string) bool
	RemoveMember(ctx context.Context, roomID, userID string) error
	Delete(ctx context.Context, roomID string) error
	OnTeardown(listener RoomTeardownListener)
}

type roomState struct {
	room    models.Room
	members map[string]time.Time
}

type roomService struct {
	repo      repository.RoomRepository
	validator *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState

	listenersMu sync.RWMutex
	listeners   []RoomTeardownListener
}

// NewRoomService constructs the room store service.
func NewRoomService(repo repository.RoomRepository, validate *validator.Validate, logger zerolog.Logger) RoomService {
	return &roomService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "room_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		rooms:     make(map[string]*roomState),
	}
}

// Load rehydrates every persisted room and its members.
func (s *roomService) Load(ctx context.Context) error {
	rooms, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}

	loaded := make(map[string]*roomState, len(rooms))
	for _, room := range rooms {
		members, err := s.repo.Members(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("load members of %s: %w", room.ID, err)
		}
		state := &roomState{room: room, members: make(map[string]time.Time, len(members))}
		for _, member := range members {
			state.members[member.UserID] = member.JoinedAt
		}
		loaded[room.ID] = state
	}

	s.mu.Lock()
	s.rooms = loaded
	s.mu.Unlock()

	s.logger.Info().Int("rooms", len(loaded)).Msg("rooms loaded")
	return nil
}

// CreateOrJoin creates the room on first use and adds the user as a member.
// Joining twice leaves the membership unchanged.
func (s *roomService) CreateOrJoin(ctx context.Context, req dto.RoomJoinRequest) (dto.RoomResponse, error) {
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if err := s.validator.Struct(req); err != nil {
		return dto.RoomResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	member := models.RoomMember{RoomID: req.RoomID, UserID: req.UserID, JoinedAt: now}

	state, ok := s.rooms[req.RoomID]
	if !ok {
		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.RoomID
		}
		room := models.Room{
			ID:             req.RoomID,
			DisplayName:    displayName,
			IsPrivate:      req.IsPrivate,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := s.repo.Create(ctx, room, member); err != nil {
			return dto.RoomResponse{}, fmt.Errorf("create room: %w", err)
		}
		state = &roomState{room: room, members: map[string]time.Time{req.UserID: now}}
		s.rooms[req.RoomID] = state
		s.logger.Info().Str("room_id", room.ID).Str("user_id", req.UserID).Msg("room created")
		return viewOf(state), nil
	}

	if _, joined := state.members[req.UserID]; joined {
		return viewOf(state), nil
	}

	if err := s.repo.AddMember(ctx, member); err != nil {
		return dto.RoomResponse{}, fmt.Errorf("add member: %w", err)
	}
	state.members[req.UserID] = now
	s.logger.Debug().Str("room_id", req.RoomID).Str("user_id", req.UserID).Msg("member joined room")

	return viewOf(state), nil
}

func (s *roomService) ListActive(_ context.Context) []dto.RoomSummaryResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]dto.RoomSummaryResponse, 0, len(s.rooms))
	for _, state := range s.rooms {
		summaries = append(summaries, dto.RoomSummaryResponse{
			ID:             state.room.ID,
			DisplayName:    state.room.DisplayName,
			IsPrivate:      state.room.IsPrivate,
			MemberCount:    len(state.members),
			LastActivityAt: state.room.LastActivityAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastActivityAt.Equal(summaries[j].LastActivityAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
	})
	return summaries
}

func (s *roomService) Get(_ context.Context, roomID string) (dto.RoomResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.rooms[strings.TrimSpace(roomID)]
	if !ok {
		return dto.RoomResponse{}, ErrRoomNotFound
	}
	return viewOf(state), nil
}

func (s *roomService) IsMember(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, member := state.members[userID]
	return member
}

// Touch records activity in the room. Unknown rooms are ignored.
func (s *roomService) Touch(ctx context.Context, roomID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[roomID]
	if !ok || !at.After(state.room.LastActivityAt) {
		return nil
	}

	updated := state.room
	updated.LastActivityAt = at
	if err := s.repo.Save(ctx, updated); err != nil {
		return fmt.Errorf("save room activity: %w", err)
	}
	state.room = updated
	return nil
}

func (s *roomService) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := state.members[userID]; !member {
		return nil
	}

	if err := s.repo.RemoveMember(ctx, roomID, userID); err != nil && !repository.IsNotFound(err) {
		return fmt.Errorf("remove member: %w", err)
	}
	delete(state.members, userID)
	s.logger.Info().Str("room_id", roomID).Str("user_id", userID).Msg("member removed from room")
	return nil
}

// Delete tears the room down and notifies teardown listeners.
func (s *roomService) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return ErrRoomNotFound
	}
	if err := s.repo.Delete(ctx, roomID); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("delete room: %w", err)
	}
	delete(s.rooms, roomID)
	s.mu.Unlock()

	s.logger.Info().Str("room_id", roomID).Msg("room deleted")

	s.listenersMu.RLock()
	listeners := append([]RoomTeardownListener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(roomID)
	}
	return nil
}

func (s *roomService) OnTeardown(listener RoomTeardownListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func viewOf(state *roomState) dto.RoomResponse {
	members := make([]string, 0, len(state.members))
	for userID := range state.members {
		members = append(members, userID)
	}
	sort.Strings(members)

	return dto.RoomResponse{
		ID:          state.room.ID,
		DisplayName: state.room.DisplayName,
		Members:     members,
		IsPrivate:   state.room.IsPrivate,
		MemberCount: len(members),
	}
}
