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
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// PresenceEvent reports a user coming online or going offline.
type PresenceEvent struct {
	UserID  string
	Online  bool
	Profile map[string]interface{}
	At      time.Time
}

// PresenceListener receives presence transitions in order. Listeners run
// under the session lock and must not call back into the session service.
type PresenceListener func(event PresenceEvent)

// SessionService binds connections to user identities.
type SessionService interface {
	Authenticate(ctx context.Context, req dto.AuthenticateRequest, connectionID string) (dto.SessionResponse, error)
	OnDisconnect(ctx context.Context, connectionID string) error
	Touch(userID string)
	Get(userID string) (dto.SessionResponse, bool)
	Online() []dto.SessionResponse
	UserForConnection(connectionID string) (string, bool)
	OnPresence(listener PresenceListener)
}

type session struct {
	userID         string
	connectionID   string
	profile        map[string]interface{}
	joinedAt       time.Time
	lastActivityAt time.Time
	online         bool
}

type sessionService struct {
	repo      repository.UserRepository
	validator *validator.Validate
	jwtSecret string
	logger    zerolog.Logger
	now       func() time.Time

	mu          sync.Mutex
	sessions    map[string]*session
	connections map[string]string

	listenersMu sync.RWMutex
	listeners   []PresenceListener
}

// NewSessionService constructs the session manager. When jwtSecret is set,
// authentication requires a token whose subject equals the user id.
func NewSessionService(repo repository.UserRepository, validate *validator.Validate, jwtSecret string, logger zerolog.Logger) SessionService {
	return &sessionService{
		repo:        repo,
		validator:   validate,
		jwtSecret:   strings.TrimSpace(jwtSecret),
		logger:      logger.With().Str("component", "session_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[string]*session),
		connections: make(map[string]string),
	}
}

// Authenticate makes connectionID the authoritative connection of the user.
// A previous connection of the same user is superseded silently.
func (s *sessionService) Authenticate(ctx context.Context, req dto.AuthenticateRequest, connectionID string) (dto.SessionResponse, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.validator.Struct(req); err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if connectionID == "" {
		return dto.SessionResponse{}, fmt.Errorf("%w: connection id required", ErrValidation)
	}

	if s.jwtSecret != "" {
		subject, err := middleware.TokenSubject(s.jwtSecret, req.Token)
		if err != nil {
			return dto.SessionResponse{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		if subject != req.UserID {
			return dto.SessionResponse{}, fmt.Errorf("%w: token subject does not match user", ErrNotAuthenticated)
		}
	}

	s.mu.Lock()

	now := s.now()
	joinedAt := now
	if existing, ok := s.sessions[req.UserID]; ok {
		joinedAt = existing.joinedAt
	} else if stored, err := s.repo.Get(ctx, req.UserID); err == nil {
		joinedAt = stored.JoinedAt
	}

	record := models.UserRecord{
		UserID:         req.UserID,
		Profile:        req.Profile,
		JoinedAt:       joinedAt,
		LastActivityAt: now,
		Online:         true,
	}
	if err := s.repo.Save(ctx, record); err != nil {
		s.mu.Unlock()
		return dto.SessionResponse{}, fmt.Errorf("save user: %w", err)
	}

	if previous, ok := s.sessions[req.UserID]; ok && previous.connectionID != connectionID {
		delete(s.connections, previous.connectionID)
		s.logger.Info().
			Str("user_id", req.UserID).
			Str("previous_connection_id", previous.connectionID).
			Str("connection_id", connectionID).
			Msg("session superseded")
	}

	current := &session{
		userID:         req.UserID,
		connectionID:   connectionID,
		profile:        req.Profile,
		joinedAt:       joinedAt,
		lastActivityAt: now,
		online:         true,
	}
	s.sessions[req.UserID] = current
	s.connections[connectionID] = req.UserID
	response := current.response()

	s.emit(PresenceEvent{UserID: req.UserID, Online: true, Profile: req.Profile, At: now})
	s.mu.Unlock()
	return response, nil
}

// OnDisconnect marks the user offline only if connectionID is still the
// authoritative connection for that user.
func (s *sessionService) OnDisconnect(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.connections[connectionID]
	if !ok {
		return nil
	}
	delete(s.connections, connectionID)

	current, ok := s.sessions[userID]
	if !ok || current.connectionID != connectionID {
		return nil
	}

	now := s.now()
	record := models.UserRecord{
		UserID:         current.userID,
		Profile:        current.profile,
		JoinedAt:       current.joinedAt,
		LastActivityAt: current.lastActivityAt,
		Online:         false,
	}

	current.online = false
	current.connectionID = ""

	if err := s.repo.Save(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to persist offline presence")
	}

	s.emit(PresenceEvent{UserID: userID, Online: false, Profile: record.Profile, At: now})
	return nil
}

// Touch bumps the in-memory activity timestamp; it is persisted on the next
// authenticate or disconnect.
func (s *sessionService) Touch(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.sessions[userID]; ok {
		current.lastActivityAt = s.now()
	}
}

func (s *sessionService) Get(userID string) (dto.SessionResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[userID]
	if !ok {
		return dto.SessionResponse{}, false
	}
	return current.response(), true
}

func (s *sessionService) Online() []dto.SessionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	online := make([]dto.SessionResponse, 0, len(s.sessions))
	for _, current := range s.sessions {
		if current.online {
			online = append(online, current.response())
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i].UserID < online[j].UserID })
	return online
}

// UserForConnection resolves the user a connection is authoritative for.
// Superseded connections resolve to nothing.
func (s *sessionService) UserForConnection(connectionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.connections[connectionID]
	return userID, ok
}

func (s *sessionService) OnPresence(listener PresenceListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *sessionService) emit(event PresenceEvent) {
	s.listenersMu.RLock()
	listeners := append([]PresenceListener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

func (s *session) response() dto.SessionResponse {
	return dto.SessionResponse{
		UserID:         s.userID,
		ConnectionID:   s.connectionID,
		Profile:        s.profile,
		JoinedAt:       s.joinedAt,
		LastActivityAt: s.lastActivityAt,
		Online:         s.online,
	}
}
