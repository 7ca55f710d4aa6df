package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/gema-chat/internal/models"
)

// RoomRepository persists room metadata and one membership record per member.
type RoomRepository interface {
	Create(ctx context.Context, room models.Room, founder models.RoomMember) error
	Save(ctx context.Context, room models.Room) error
	Get(ctx context.Context, id string) (models.Room, error)
	List(ctx context.Context) ([]models.Room, error)
	Delete(ctx context.Context, id string) error
	AddMember(ctx context.Context, member models.RoomMember) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Members(ctx context.Context, roomID string) ([]models.RoomMember, error)
}

type roomRepository struct {
	store KVStore
}

// NewRoomRepository constructs a room repository over the key/value store.
func NewRoomRepository(store KVStore) RoomRepository {
	return &roomRepository{store: store}
}

func memberKey(roomID, userID string) string {
	return CompositeKey(roomID, userID)
}

// Create writes a new room together with its first member.
func (r *roomRepository) Create(ctx context.Context, room models.Room, founder models.RoomMember) error {
	roomPayload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	memberPayload, err := json.Marshal(founder)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}

	return r.store.Update(ctx, func(tx KVTx) error {
		if err := tx.Put(NamespaceRooms, room.ID, roomPayload); err != nil {
			return err
		}
		return tx.Put(NamespaceMembers, memberKey(founder.RoomID, founder.UserID), memberPayload)
	})
}

func (r *roomRepository) Save(ctx context.Context, room models.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	return r.store.Put(ctx, NamespaceRooms, room.ID, payload)
}

func (r *roomRepository) Get(ctx context.Context, id string) (models.Room, error) {
	raw, err := r.store.Get(ctx, NamespaceRooms, id)
	if err != nil {
		return models.Room{}, err
	}
	var room models.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return models.Room{}, fmt.Errorf("decode room %s: %w", id, err)
	}
	return room, nil
}

func (r *roomRepository) List(ctx context.Context) ([]models.Room, error) {
	rooms := make([]models.Room, 0)
	err := r.store.Scan(ctx, NamespaceRooms, "", false, func(key string, value []byte) (bool, error) {
		var room models.Room
		if err := json.Unmarshal(value, &room); err != nil {
			return false, fmt.Errorf("decode room %s: %w", key, err)
		}
		rooms = append(rooms, room)
		return true, nil
	})
	return rooms, err
}

// Delete removes the room and all of its membership records.
func (r *roomRepository) Delete(ctx context.Context, id string) error {
	members, err := r.Members(ctx, id)
	if err != nil {
		return err
	}

	return r.store.Update(ctx, func(tx KVTx) error {
		for _, member := range members {
			if err := tx.Delete(NamespaceMembers, memberKey(member.RoomID, member.UserID)); err != nil {
				return err
			}
		}
		return tx.Delete(NamespaceRooms, id)
	})
}

func (r *roomRepository) AddMember(ctx context.Context, member models.RoomMember) error {
	payload, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	return r.store.Put(ctx, NamespaceMembers, memberKey(member.RoomID, member.UserID), payload)
}

func (r *roomRepository) RemoveMember(ctx context.Context, roomID, userID string) error {
	return r.store.Delete(ctx, NamespaceMembers, memberKey(roomID, userID))
}

func (r *roomRepository) Members(ctx context.Context, roomID string) ([]models.RoomMember, error) {
	members := make([]models.RoomMember, 0)
	err := r.store.Scan(ctx, NamespaceMembers, roomPrefix(roomID), false, func(key string, value []byte) (bool, error) {
		var member models.RoomMember
		if err := json.Unmarshal(value, &member); err != nil {
			return false, fmt.Errorf("decode member %s: %w", key, err)
		}
		members = append(members, member)
		return true, nil
	})
	return members, err
}
