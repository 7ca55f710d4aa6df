package ai

import (
	"context"
	"time"
)

// Message is a chat message as seen by an AI provider.
type Message struct {
	ID        string
	AuthorID  string
	Content   string
	Kind      string
	CreatedAt time.Time
}

// Request carries the triggering message and recent room history, oldest first.
type Request struct {
	RoomID  string
	Message Message
	History []Message
}

// Responder produces a reply for a message posted in a room.
type Responder interface {
	Name() string
	Respond(ctx context.Context, req Request) (string, error)
}
