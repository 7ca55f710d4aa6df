package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/gema-chat/internal/models"
)

// UserRepository persists user profiles and their last known presence.
type UserRepository interface {
	Save(ctx context.Context, user models.UserRecord) error
	Get(ctx context.Context, userID string) (models.UserRecord, error)
}

type userRepository struct {
	store KVStore
}

// NewUserRepository constructs a user repository over the key/value store.
func NewUserRepository(store KVStore) UserRepository {
	return &userRepository{store: store}
}

func (r *userRepository) Save(ctx context.Context, user models.UserRecord) error {
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return r.store.Put(ctx, NamespaceUsers, user.UserID, payload)
}

func (r *userRepository) Get(ctx context.Context, userID string) (models.UserRecord, error) {
	raw, err := r.store.Get(ctx, NamespaceUsers, userID)
	if err != nil {
		return models.UserRecord{}, err
	}
	var user models.UserRecord
	if err := json.Unmarshal(raw, &user); err != nil {
		return models.UserRecord{}, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return user, nil
}
