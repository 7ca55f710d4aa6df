package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrNotFound is returned when a key does not exist in a namespace.
var ErrNotFound = errors.New("record not found")

// Logical namespaces of the chat store.
const (
	NamespaceMessages   = "messages"
	NamespaceMessageIDs = "message_ids"
	NamespaceRooms      = "rooms"
	NamespaceMembers    = "members"
	NamespaceUsers      = "users"
	NamespaceSequences  = "sequences"
)

// KeySeparator joins the parts of composite keys. It sorts after every
// character allowed in room and user identifiers.
const KeySeparator = "|"

const scanPageSize = 128

// ScanFunc receives entries in key order. Returning false stops the scan.
type ScanFunc func(key string, value []byte) (bool, error)

// KVTx is the view of the store inside an atomic update.
type KVTx interface {
	Get(namespace, key string) ([]byte, error)
	Put(namespace, key string, value []byte) error
	Delete(namespace, key string) error
	NextSequence(name string) (uint64, error)
}

// KVStore is an ordered key/value store partitioned into namespaces.
type KVStore interface {
	Migrate(ctx context.Context) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Scan(ctx context.Context, namespace, prefix string, reverse bool, fn ScanFunc) error
	Update(ctx context.Context, fn func(tx KVTx) error) error
}

type kvStore struct {
	db      *gorm.DB
	keyExpr string
}

// NewKVStore constructs a key/value store backed by GORM.
func NewKVStore(db *gorm.DB) KVStore {
	keyExpr := "entry_key"
	if db.Dialector != nil && db.Dialector.Name() == "postgres" {
		// Byte-wise ordering regardless of the database locale.
		keyExpr = `entry_key COLLATE "C"`
	}
	return &kvStore{db: db, keyExpr: keyExpr}
}

func (s *kvStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&models.KVEntry{})
}

func (s *kvStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	return getEntry(s.db.WithContext(ctx), namespace, key)
}

func (s *kvStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	return putEntry(s.db.WithContext(ctx), namespace, key, value)
}

func (s *kvStore) Delete(ctx context.Context, namespace, key string) error {
	return deleteEntry(s.db.WithContext(ctx), namespace, key)
}

func (s *kvStore) Scan(ctx context.Context, namespace, prefix string, reverse bool, fn ScanFunc) error {
	end := prefixEnd(prefix)
	order := s.keyExpr + " ASC"
	if reverse {
		order = s.keyExpr + " DESC"
	}

	cursor := ""
	started := false
	for {
		query := s.db.WithContext(ctx).Model(&models.KVEntry{}).Where("namespace = ?", namespace)
		if prefix != "" {
			query = query.Where(s.keyExpr+" >= ?", prefix)
			if end != "" {
				query = query.Where(s.keyExpr+" < ?", end)
			}
		}
		if started {
			if reverse {
				query = query.Where(s.keyExpr+" < ?", cursor)
			} else {
				query = query.Where(s.keyExpr+" > ?", cursor)
			}
		}

		var page []models.KVEntry
		if err := query.Order(order).Limit(scanPageSize).Find(&page).Error; err != nil {
			return fmt.Errorf("scan %s: %w", namespace, err)
		}

		for _, entry := range page {
			more, err := fn(entry.Key, entry.Value)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}

		if len(page) < scanPageSize {
			return nil
		}
		cursor = page[len(page)-1].Key
		started = true
	}
}

func (s *kvStore) Update(ctx context.Context, fn func(tx KVTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&kvTx{db: tx})
	})
}

type kvTx struct {
	db *gorm.DB
}

func (t *kvTx) Get(namespace, key string) ([]byte, error) {
	return getEntry(t.db, namespace, key)
}

func (t *kvTx) Put(namespace, key string, value []byte) error {
	return putEntry(t.db, namespace, key, value)
}

func (t *kvTx) Delete(namespace, key string) error {
	return deleteEntry(t.db, namespace, key)
}

// NextSequence increments and returns a named counter. Callers serialise
// concurrent allocations of the same counter.
func (t *kvTx) NextSequence(name string) (uint64, error) {
	var current uint64
	raw, err := getEntry(t.db, NamespaceSequences, name)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("decode sequence %s: %w", name, err)
		}
	}

	next := current + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	if err := putEntry(t.db, NamespaceSequences, name, payload); err != nil {
		return 0, err
	}
	return next, nil
}

func getEntry(db *gorm.DB, namespace, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	var entry models.KVEntry
	err := db.Where(entryCondition(namespace, key)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return entry.Value, nil
}

func putEntry(db *gorm.DB, namespace, key string, value []byte) error {
	entry := models.KVEntry{Namespace: namespace, Key: key, Value: value}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func deleteEntry(db *gorm.DB, namespace, key string) error {
	if key == "" {
		return nil
	}
	err := db.Where(entryCondition(namespace, key)).Delete(&models.KVEntry{}).Error
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func entryCondition(namespace, key string) map[string]interface{} {
	return map[string]interface{}{"namespace": namespace, "entry_key": key}
}

// prefixEnd returns the smallest key greater than every key carrying prefix,
// or "" when no such bound exists.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}

// CompositeKey joins key parts with KeySeparator.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}
