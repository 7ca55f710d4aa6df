package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
)

const (
	chatSendBufferSize  = 64
	chatPingInterval    = 30 * time.Second
	chatDefaultCacheTTL = 30 * time.Minute
	chatCacheTimeout    = 500 * time.Millisecond
	chatFrameSchemaURL  = "chat_frame.schema.json"
)

// Error frame codes.
const (
	CodeValidation       = "validation_error"
	CodeNotAuthenticated = "not_authenticated"
	CodeForbidden        = "forbidden"
	CodeInternal         = "internal_error"
	CodeBadRequest       = "bad_request"
)

var errBadFrame = errors.New("malformed frame")

// ChatConn is the subset of a websocket connection used by the hub.
type ChatConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	CorrelationID string
	Context       context.Context
}

// ChatConfig configures the realtime transport.
type ChatConfig struct {
	ChannelBase    string
	LastMessageTTL time.Duration
}

// ChatService runs the realtime protocol over websocket connections.
type ChatService interface {
	ServeConnection(conn ChatConn, opts ChatConnectionOptions)
	HandleMessage(ctx context.Context, message models.ChatMessage)
	HandleMessageDeleted(ctx context.Context, message models.ChatMessage)
	HandlePresence(event PresenceEvent)
	HandleRoomTeardown(roomID string)
	Connections() int
}

type chatService struct {
	sessions   SessionService
	rooms      RoomService
	messages   MessageAppender
	redis      *redis.Client
	redisCache string
	cacheTTL   time.Duration
	schema     *jsonschema.Schema
	logger     zerolog.Logger
	hub        *chatHub
}

// chatHub keeps track of active websocket clients and their room subscriptions.
type chatHub struct {
	mu      sync.RWMutex
	clients map[*chatClient]struct{}
	rooms   map[string]map[*chatClient]struct{}
	log     zerolog.Logger
}

type chatClient struct {
	id          string
	conn        ChatConn
	send        chan dto.ChatEvent
	service     *chatService
	closed      chan struct{}
	once        sync.Once
	baseCtx     context.Context
	correlation string

	mu     sync.Mutex
	userID string
}

// NewChatService creates the realtime transport. redisClient may be nil.
func NewChatService(sessions SessionService, rooms RoomService, messages MessageAppender, redisClient *redis.Client, cfg ChatConfig, logger zerolog.Logger) (ChatService, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(chatFrameSchemaURL, strings.NewReader(dto.FrameSchema)); err != nil {
		return nil, fmt.Errorf("load frame schema: %w", err)
	}
	schema, err := compiler.Compile(chatFrameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}

	base := strings.TrimSpace(cfg.ChannelBase)
	if base == "" {
		base = "gema"
	}
	ttl := cfg.LastMessageTTL
	if ttl <= 0 {
		ttl = chatDefaultCacheTTL
	}

	return &chatService{
		sessions:   sessions,
		rooms:      rooms,
		messages:   messages,
		redis:      redisClient,
		redisCache: base + ":chat:last",
		cacheTTL:   ttl,
		schema:     schema,
		logger:     logger.With().Str("component", "chat_service").Logger(),
		hub: &chatHub{
			clients: make(map[*chatClient]struct{}),
			rooms:   make(map[string]map[*chatClient]struct{}),
			log:     logger.With().Str("component", "chat_hub").Logger(),
		},
	}, nil
}

// ServeConnection blocks until the connection terminates.
func (s *chatService) ServeConnection(conn ChatConn, opts ChatConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	correlation := opts.CorrelationID
	if correlation == "" {
		correlation = middleware.CorrelationIDFromContext(baseCtx)
	}

	client := &chatClient{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan dto.ChatEvent, chatSendBufferSize),
		service:     s,
		closed:      make(chan struct{}),
		baseCtx:     baseCtx,
		correlation: correlation,
	}

	s.hub.register(client)
	observability.ChatConnectionsTotal().Inc()
	observability.ChatConnectionsActive().Inc()

	go client.writer()
	client.reader()
}

func (s *chatService) Connections() int {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return len(s.hub.clients)
}

// HandleMessage fans an appended message out to the room's subscribers.
// It runs under the room ordering lock.
func (s *chatService) HandleMessage(ctx context.Context, message models.ChatMessage) {
	payload := dto.NewChatMessageResponse(message)
	s.hub.broadcastRoom(message.RoomID, dto.ChatEvent{Type: dto.EventNewMessage, Data: payload}, nil)
	s.cacheLastMessage(ctx, payload)
}

// HandleMessageDeleted evicts the cached last message when it is the deleted one.
func (s *chatService) HandleMessageDeleted(ctx context.Context, message models.ChatMessage) {
	if s.redis == nil {
		return
	}
	cached := s.fetchLastMessage(ctx, message.RoomID)
	if cached == nil || cached.ID != message.ID {
		return
	}
	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatCacheTimeout)
	defer cancel()
	if err := s.redis.Del(cacheCtx, s.cacheKey(message.RoomID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", message.RoomID).Msg("failed to evict cached chat message")
	}
}

// HandlePresence broadcasts presence transitions to every connection.
func (s *chatService) HandlePresence(event PresenceEvent) {
	eventType := dto.EventPresenceOffline
	if event.Online {
		eventType = dto.EventPresenceOnline
	}
	s.hub.broadcastAll(dto.ChatEvent{Type: eventType, Data: dto.PresenceResponse{
		UserID:  event.UserID,
		Online:  event.Online,
		Profile: event.Profile,
		At:      event.At,
	}})
}

// HandleRoomTeardown drops subscriptions and cached state of a deleted room.
func (s *chatService) HandleRoomTeardown(roomID string) {
	s.hub.dropRoom(roomID)
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatCacheTimeout)
	defer cancel()
	if err := s.redis.Del(ctx, s.cacheKey(roomID)).Err(); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to evict cached chat message")
	}
}

func (s *chatService) handleFrame(ctx context.Context, client *chatClient, raw []byte) (dto.ChatFrame, error) {
	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return dto.ChatFrame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if err := s.schema.Validate(document); err != nil {
		return dto.ChatFrame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}

	var frame dto.ChatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return dto.ChatFrame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}

	switch frame.Type {
	case dto.EventPing:
		client.enqueue(dto.ChatEvent{Type: dto.EventPong, RequestID: frame.RequestID})
		return frame, nil
	case dto.EventAuthenticate:
		return frame, s.authenticate(ctx, client, frame)
	}

	userID, err := client.authenticatedUser()
	if err != nil {
		return frame, err
	}
	s.sessions.Touch(userID)

	switch frame.Type {
	case dto.EventJoinRoom:
		return frame, s.joinRoom(ctx, client, userID, frame)
	case dto.EventSendMessage:
		return frame, s.sendMessage(ctx, client, userID, frame)
	case dto.EventTypingStart, dto.EventTypingStop:
		return frame, s.typing(client, userID, frame)
	default:
		return frame, fmt.Errorf("%w: unsupported event %q", errBadFrame, frame.Type)
	}
}

func (s *chatService) authenticate(ctx context.Context, client *chatClient, frame dto.ChatFrame) error {
	var req dto.AuthenticateRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return err
	}

	client.mu.Lock()
	bound := client.userID
	client.mu.Unlock()
	if bound != "" && bound != strings.TrimSpace(req.UserID) {
		return fmt.Errorf("%w: connection already authenticated as another user", ErrForbidden)
	}

	session, err := s.sessions.Authenticate(ctx, req, client.id)
	if err != nil {
		return err
	}

	client.mu.Lock()
	client.userID = session.UserID
	client.mu.Unlock()

	client.enqueue(dto.ChatEvent{Type: dto.EventAuthenticated, Data: session, RequestID: frame.RequestID})
	return nil
}

func (s *chatService) joinRoom(ctx context.Context, client *chatClient, userID string, frame dto.ChatFrame) error {
	var req dto.RoomJoinRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.UserID) != userID {
		return fmt.Errorf("%w: cannot join on behalf of another user", ErrForbidden)
	}

	room, err := s.rooms.CreateOrJoin(ctx, req)
	if err != nil {
		return err
	}

	s.hub.subscribe(room.ID, client)
	client.enqueue(dto.ChatEvent{Type: dto.EventRoomJoined, Data: room, RequestID: frame.RequestID})
	s.hub.broadcastRoom(room.ID, dto.ChatEvent{
		Type: dto.EventUserJoinedRoom,
		Data: dto.UserJoinedResponse{RoomID: room.ID, UserID: userID},
	}, client)

	if last := s.fetchLastMessage(ctx, room.ID); last != nil {
		client.enqueue(dto.ChatEvent{Type: dto.EventNewMessage, Data: *last})
	}
	return nil
}

func (s *chatService) sendMessage(ctx context.Context, client *chatClient, userID string, frame dto.ChatFrame) error {
	var req dto.SendMessageRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.AuthorID) != userID {
		return fmt.Errorf("%w: cannot send on behalf of another user", ErrForbidden)
	}
	if req.Kind != "" && req.Kind != string(models.MessageKindText) {
		return fmt.Errorf("%w: clients may only send text messages", ErrForbidden)
	}

	roomID := strings.TrimSpace(req.RoomID)
	if !s.rooms.IsMember(roomID, userID) {
		return fmt.Errorf("%w: not a member of room %s", ErrForbidden, roomID)
	}

	s.hub.subscribe(roomID, client)
	_, err := s.messages.Append(ctx, req)
	return err
}

func (s *chatService) typing(client *chatClient, userID string, frame dto.ChatFrame) error {
	var req dto.TypingRequest
	if err := decodeData(frame.Data, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.UserID) != userID {
		return fmt.Errorf("%w: cannot signal typing for another user", ErrForbidden)
	}
	roomID := strings.TrimSpace(req.RoomID)
	if !s.rooms.IsMember(roomID, userID) {
		return fmt.Errorf("%w: not a member of room %s", ErrForbidden, roomID)
	}

	s.hub.broadcastRoom(roomID, dto.ChatEvent{Type: dto.EventUserTyping, Data: dto.TypingResponse{
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: frame.Type == dto.EventTypingStart,
	}}, client)
	return nil
}

func decodeData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", ErrValidation)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// errorFrame maps a handler error onto the error frame sent to the originating connection.
func errorFrame(err error, event, requestID string) dto.ChatEvent {
	code := CodeInternal
	message := "internal error"
	switch {
	case errors.Is(err, errBadFrame):
		code, message = CodeBadRequest, err.Error()
	case errors.Is(err, ErrValidation):
		code, message = CodeValidation, err.Error()
	case errors.Is(err, ErrNotAuthenticated):
		code, message = CodeNotAuthenticated, err.Error()
	case errors.Is(err, ErrForbidden):
		code, message = CodeForbidden, err.Error()
	case errors.Is(err, ErrRoomNotFound):
		code, message = CodeBadRequest, err.Error()
	}

	return dto.ChatEvent{
		Type:      dto.EventError,
		RequestID: requestID,
		Data:      dto.ErrorResponse{Code: code, Message: message, Event: event},
	}
}

func (s *chatService) cacheKey(roomID string) string {
	return fmt.Sprintf("%s:%s", s.redisCache, roomID)
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatCacheTimeout)
	defer cancel()
	if err := s.redis.Set(cacheCtx, s.cacheKey(message.RoomID), payload, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *chatService) fetchLastMessage(ctx context.Context, roomID string) *dto.ChatMessageResponse {
	if s.redis == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chatCacheTimeout)
	defer cancel()
	result, err := s.redis.Get(cacheCtx, s.cacheKey(roomID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to read cached chat message")
		}
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}

	return &message
}

func (h *chatHub) register(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = struct{}{}
	h.log.Debug().Str("connection_id", client.id).Msg("chat client connected")
}

func (h *chatHub) unregister(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, client)
	for roomID, clients := range h.rooms {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.log.Debug().Str("connection_id", client.id).Msg("chat client disconnected")
}

func (h *chatHub) subscribe(roomID string, client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, registered := h.clients[client]; !registered {
		return
	}
	if _, exists := h.rooms[roomID]; !exists {
		h.rooms[roomID] = make(map[*chatClient]struct{})
	}
	h.rooms[roomID][client] = struct{}{}
}

func (h *chatHub) dropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// broadcastRoom delivers event to every subscriber of the room except skip.
func (h *chatHub) broadcastRoom(roomID string, event dto.ChatEvent, skip *chatClient) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if client == skip {
			continue
		}
		client.enqueue(event)
	}
}

func (h *chatHub) broadcastAll(event dto.ChatEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.enqueue(event)
	}
}

// authenticatedUser returns the user this connection is still authoritative for.
func (c *chatClient) authenticatedUser() (string, error) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	if userID == "" {
		return "", fmt.Errorf("%w: authenticate first", ErrNotAuthenticated)
	}
	current, ok := c.service.sessions.UserForConnection(c.id)
	if !ok || current != userID {
		return "", fmt.Errorf("%w: session superseded by another connection", ErrNotAuthenticated)
	}
	return userID, nil
}

// enqueue never blocks; frames for a full queue are dropped.
func (c *chatClient) enqueue(event dto.ChatEvent) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- event:
	default:
		observability.ChatFramesDropped().Inc()
		c.service.hub.log.Warn().Str("connection_id", c.id).Str("type", event.Type).Msg("dropping chat frame for slow client")
	}
}

func (c *chatClient) reader() {
	defer c.close()

	ctx := middleware.ContextWithConnection(middleware.ContextWithCorrelation(c.baseCtx, c.correlation), c.id)
	logger := middleware.ContextLogger(ctx, c.service.logger)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		frame, err := c.service.handleFrame(ctx, c, raw)
		if err == nil {
			continue
		}

		reply := errorFrame(err, frame.Type, frame.RequestID)
		code := reply.Data.(dto.ErrorResponse).Code
		observability.ChatProtocolErrors().WithLabelValues(code).Inc()
		if code == CodeInternal {
			logger.Error().Err(err).Str("event", frame.Type).Msg("chat event failed")
		} else {
			logger.Debug().Err(err).Str("event", frame.Type).Msg("chat event rejected")
		}
		c.enqueue(reply)
	}
}

func (c *chatClient) writer() {
	defer c.close()

	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.unregister(c)
		observability.ChatConnectionsActive().Dec()
		if err := c.service.sessions.OnDisconnect(context.WithoutCancel(c.baseCtx), c.id); err != nil {
			c.service.logger.Warn().Err(err).Str("connection_id", c.id).Msg("failed to record disconnect")
		}
		_ = c.conn.Close()
	})
}
