package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/gema-chat/internal/repository"
)

type chatStack struct {
	store       repository.KVStore
	messageRepo repository.MessageRepository
	roomRepo    repository.RoomRepository
	userRepo    repository.UserRepository
	messages    MessageService
	rooms       RoomService
	sessions    SessionService
	history     HistoryService
}

func setupChatStore(t *testing.T) repository.KVStore {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := repository.NewKVStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newChatStack(t *testing.T) chatStack {
	t.Helper()

	store := setupChatStore(t)
	validate := NewValidator()
	log := zerolog.Nop()

	messageRepo := repository.NewMessageRepository(store)
	roomRepo := repository.NewRoomRepository(store)
	userRepo := repository.NewUserRepository(store)

	rooms := NewRoomService(roomRepo, validate, log)
	return chatStack{
		store:       store,
		messageRepo: messageRepo,
		roomRepo:    roomRepo,
		userRepo:    userRepo,
		messages:    NewMessageService(messageRepo, rooms, validate, log),
		rooms:       rooms,
		sessions:    NewSessionService(userRepo, validate, "", log),
		history:     NewHistoryService(messageRepo, validate, log),
	}
}

// verifyNoLeaks snapshots the running goroutines; the returned func fails
// the test if any goroutine started after the snapshot is still running.
func verifyNoLeaks(t *testing.T) func() {
	t.Helper()
	existing := goleak.IgnoreCurrent()
	return func() {
		goleak.VerifyNone(t, existing, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
	}
}
