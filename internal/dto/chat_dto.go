package dto

import (
	_ "embed"
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// FrameSchema is the JSON schema every inbound websocket frame must satisfy.
//
//go:embed schemas/chat_frame.schema.json
var FrameSchema string

// Inbound realtime event types.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "joinRoom"
	EventSendMessage  = "sendMessage"
	EventTypingStart  = "typingStart"
	EventTypingStop   = "typingStop"
	EventPing         = "ping"
)

// Outbound realtime event types.
const (
	EventAuthenticated   = "authenticated"
	EventRoomJoined      = "roomJoined"
	EventNewMessage      = "newMessage"
	EventUserJoinedRoom  = "userJoinedRoom"
	EventUserTyping      = "userTyping"
	EventPresenceOnline  = "presenceOnline"
	EventPresenceOffline = "presenceOffline"
	EventError           = "error"
	EventPong            = "pong"
)

// ChatFrame is an inbound websocket frame.
type ChatFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ChatEvent is an outbound websocket frame.
type ChatEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// AuthenticateRequest binds a connection to a user identity.
type AuthenticateRequest struct {
	UserID  string                 `json:"userId" validate:"required,chatid"`
	Profile map[string]interface{} `json:"profile,omitempty"`
	Token   string                 `json:"token,omitempty" validate:"omitempty,max=4096"`
}

// RoomJoinRequest creates a room or adds a member to it.
type RoomJoinRequest struct {
	RoomID      string `json:"roomId" validate:"required,chatid"`
	UserID      string `json:"userId" validate:"required,chatid"`
	DisplayName string `json:"displayName,omitempty" validate:"omitempty,max=128"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
}

// SendMessageRequest appends a message to a room.
type SendMessageRequest struct {
	RoomID   string                 `json:"roomId" validate:"required,chatid"`
	AuthorID string                 `json:"authorId" validate:"required,chatid"`
	Content  string                 `json:"content" validate:"required,min=1,max=4000"`
	Kind     string                 `json:"kind,omitempty" validate:"omitempty,max=16"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TypingRequest signals typing activity in a room.
type TypingRequest struct {
	RoomID string `json:"roomId" validate:"required,chatid"`
	UserID string `json:"userId" validate:"required,chatid"`
}

// ChatHistoryQuery selects a page of room history, newest first.
type ChatHistoryQuery struct {
	RoomID string `query:"roomId" validate:"required,chatid"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=200"`
	Offset int    `query:"offset" validate:"omitempty,min=0"`
}

// ChatSearchQuery selects messages by case-insensitive substring.
type ChatSearchQuery struct {
	Query  string `query:"q" validate:"required,min=1,max=256"`
	RoomID string `query:"roomId" validate:"omitempty,chatid"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=200"`
}

// RetentionRequest triggers hard deletion of messages older than MaxAgeDays.
type RetentionRequest struct {
	MaxAgeDays int `json:"maxAgeDays" validate:"min=0,max=36500"`
}

// RetentionResponse reports how many messages a cleanup removed.
type RetentionResponse struct {
	MaxAgeDays int `json:"maxAgeDays"`
	Deleted    int `json:"deleted"`
}

// FeedbackRequest records a user's rating of a message.
type FeedbackRequest struct {
	UserID  string `json:"userId" validate:"required,chatid"`
	Rating  int    `json:"rating" validate:"min=-1,max=1"`
	Comment string `json:"comment,omitempty" validate:"omitempty,max=1000"`
}

// ChatMessageResponse is the serialized representation of a chat message.
type ChatMessageResponse struct {
	ID        string                 `json:"id"`
	RoomID    string                 `json:"roomId"`
	AuthorID  string                 `json:"authorId"`
	Content   string                 `json:"content"`
	Kind      string                 `json:"kind"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	Edited    bool                   `json:"edited"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:        message.ID,
		RoomID:    message.RoomID,
		AuthorID:  message.AuthorID,
		Content:   message.Content,
		Kind:      string(message.Kind),
		Metadata:  message.Metadata,
		CreatedAt: message.CreatedAt,
		Edited:    message.Edited,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// RoomResponse is the view of a room returned by create-or-join.
type RoomResponse struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Members     []string `json:"members"`
	IsPrivate   bool     `json:"isPrivate"`
	MemberCount int      `json:"memberCount"`
}

// RoomSummaryResponse is a room entry in the active rooms listing.
type RoomSummaryResponse struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	IsPrivate      bool      `json:"isPrivate"`
	MemberCount    int       `json:"memberCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// SessionResponse describes an authenticated session.
type SessionResponse struct {
	UserID         string                 `json:"userId"`
	ConnectionID   string                 `json:"connectionId"`
	Profile        map[string]interface{} `json:"profile,omitempty"`
	JoinedAt       time.Time              `json:"joinedAt"`
	LastActivityAt time.Time              `json:"lastActivityAt"`
	Online         bool                   `json:"online"`
}

// PresenceResponse is broadcast when a user comes online or goes offline.
type PresenceResponse struct {
	UserID  string                 `json:"userId"`
	Online  bool                   `json:"online"`
	Profile map[string]interface{} `json:"profile,omitempty"`
	At      time.Time              `json:"at"`
}

// UserJoinedResponse is sent to room subscribers when a user joins.
type UserJoinedResponse struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// TypingResponse is sent to room subscribers on typing activity.
type TypingResponse struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorResponse is sent to the originating connection when an event fails.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
