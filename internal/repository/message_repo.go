package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/noah-isme/gema-chat/internal/models"
)

const messageSequenceName = "messages"

// MessageVisitor receives decoded messages during a scan. Returning false stops the scan.
type MessageVisitor func(message models.ChatMessage) (bool, error)

// MessageRepository persists chat messages keyed by room and insertion sequence.
type MessageRepository interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	Get(ctx context.Context, id string) (models.ChatMessage, error)
	Update(ctx context.Context, message models.ChatMessage) error
	Delete(ctx context.Context, message models.ChatMessage) error
	ScanRoom(ctx context.Context, roomID string, newestFirst bool, visit MessageVisitor) error
	ScanAll(ctx context.Context, visit MessageVisitor) error
}

type messageRepository struct {
	store KVStore
	seqMu sync.Mutex
}

// NewMessageRepository constructs a message repository over the key/value store.
func NewMessageRepository(store KVStore) MessageRepository {
	return &messageRepository{store: store}
}

// MessageKey returns the composite key of a message: room id, then a
// zero-padded sequence so lexical order equals insertion order.
func MessageKey(roomID string, sequence uint64) string {
	return CompositeKey(roomID, fmt.Sprintf("%020d", sequence))
}

func roomPrefix(roomID string) string {
	return roomID + KeySeparator
}

// Create allocates the next sequence and writes the record and its id index in one transaction.
func (r *messageRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	return r.store.Update(ctx, func(tx KVTx) error {
		sequence, err := tx.NextSequence(messageSequenceName)
		if err != nil {
			return err
		}

		record := *message
		record.Sequence = sequence
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}

		key := MessageKey(record.RoomID, sequence)
		if err := tx.Put(NamespaceMessages, key, payload); err != nil {
			return err
		}

		index, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := tx.Put(NamespaceMessageIDs, record.ID, index); err != nil {
			return err
		}

		message.Sequence = sequence
		return nil
	})
}

func (r *messageRepository) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	key, err := r.keyFor(ctx, id)
	if err != nil {
		return models.ChatMessage{}, err
	}

	raw, err := r.store.Get(ctx, NamespaceMessages, key)
	if err != nil {
		return models.ChatMessage{}, err
	}

	var message models.ChatMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return models.ChatMessage{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return message, nil
}

// Update rewrites the stored record of an existing message.
func (r *messageRepository) Update(ctx context.Context, message models.ChatMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := MessageKey(message.RoomID, message.Sequence)
	return r.store.Update(ctx, func(tx KVTx) error {
		if _, err := tx.Get(NamespaceMessages, key); err != nil {
			return err
		}
		return tx.Put(NamespaceMessages, key, payload)
	})
}

// Delete removes the record and its id index in one transaction.
func (r *messageRepository) Delete(ctx context.Context, message models.ChatMessage) error {
	return r.store.Update(ctx, func(tx KVTx) error {
		if err := tx.Delete(NamespaceMessages, MessageKey(message.RoomID, message.Sequence)); err != nil {
			return err
		}
		return tx.Delete(NamespaceMessageIDs, message.ID)
	})
}

func (r *messageRepository) ScanRoom(ctx context.Context, roomID string, newestFirst bool, visit MessageVisitor) error {
	return r.store.Scan(ctx, NamespaceMessages, roomPrefix(roomID), newestFirst, decodeMessages(visit))
}

func (r *messageRepository) ScanAll(ctx context.Context, visit MessageVisitor) error {
	return r.store.Scan(ctx, NamespaceMessages, "", false, decodeMessages(visit))
}

func (r *messageRepository) keyFor(ctx context.Context, id string) (string, error) {
	raw, err := r.store.Get(ctx, NamespaceMessageIDs, id)
	if err != nil {
		return "", err
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("decode message index %s: %w", id, err)
	}
	return key, nil
}

func decodeMessages(visit MessageVisitor) ScanFunc {
	return func(_ string, value []byte) (bool, error) {
		var message models.ChatMessage
		if err := json.Unmarshal(value, &message); err != nil {
			// Skip undecodable records rather than failing every read of the room.
			return true, nil
		}
		return visit(message)
	}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
