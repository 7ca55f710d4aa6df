package models

import "time"

// MessageKind classifies a chat message by origin.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindAI     MessageKind = "ai"
	MessageKindSystem MessageKind = "system"
	MessageKindError  MessageKind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindAI, MessageKindSystem, MessageKindError:
		return true
	}
	return false
}

// ChatMessage is the durable record of a message sent to a room.
// ID, RoomID, AuthorID and CreatedAt never change after creation.
type ChatMessage struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"roomId"`
	AuthorID  string         `json:"authorId"`
	Content   string         `json:"content"`
	Kind      MessageKind    `json:"kind"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Edited    bool           `json:"edited"`
	Deleted   bool           `json:"deleted"`
	Sequence  uint64         `json:"seq"`
}

// Room is the persisted room metadata. Members are stored as separate records.
type Room struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	IsPrivate      bool      `json:"isPrivate"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// RoomMember records a single user joining a room.
type RoomMember struct {
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// UserRecord is the persisted side of a session: profile and presence.
type UserRecord struct {
	UserID         string         `json:"userId"`
	Profile        map[string]any `json:"profile,omitempty"`
	JoinedAt       time.Time      `json:"joinedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Online         bool           `json:"online"`
}

// KVEntry is a single row of the embedded ordered key/value store. Value
// holds encoded JSON as raw bytes (blob on sqlite, bytea on postgres) so the
// database never coerces scalar payloads such as sequence counters.
type KVEntry struct {
	Namespace string `gorm:"primaryKey;size:32"`
	Key       string `gorm:"column:entry_key;primaryKey;size:320"`
	Value     []byte
	UpdatedAt time.Time
}

// TableName pins the table name regardless of naming strategy.
func (KVEntry) TableName() string {
	return "kv_entries"
}
