package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
)

type receivedEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

type fakeConn struct {
	inbound  chan []byte
	outbound chan receivedEvent
	done     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan receivedEvent, 64),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.inbound:
		return 1, raw, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var event receivedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	select {
	case c.outbound <- event:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) send(t *testing.T, eventType, requestID string, data interface{}) {
	t.Helper()
	frame := map[string]interface{}{"type": eventType}
	if requestID != "" {
		frame["requestId"] = requestID
	}
	if data != nil {
		frame["data"] = data
	}
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- payload
}

func (c *fakeConn) sendRaw(raw string) {
	c.inbound <- []byte(raw)
}

// expect waits for the next frame of the given type, skipping presence noise.
func (c *fakeConn) expect(t *testing.T, eventType string) receivedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-c.outbound:
			if event.Type == eventType {
				return event
			}
			if event.Type == dto.EventPresenceOnline || event.Type == dto.EventPresenceOffline {
				continue
			}
			t.Fatalf("expected %s frame, got %s: %s", eventType, event.Type, string(event.Data))
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", eventType)
		}
	}
}

// expectNone asserts no non-presence frame arrives within a short window.
func (c *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case event := <-c.outbound:
			if event.Type == dto.EventPresenceOnline || event.Type == dto.EventPresenceOffline {
				continue
			}
			t.Fatalf("unexpected %s frame: %s", event.Type, string(event.Data))
		case <-deadline:
			return
		}
	}
}

func decodeEvent[T any](t *testing.T, event receivedEvent) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(event.Data, &out))
	return out
}

type transportFixture struct {
	stack chatStack
	chat  ChatService
}

func newTransportFixture(t *testing.T, redisClient *redis.Client) transportFixture {
	t.Helper()
	stack := newChatStack(t)

	chat, err := NewChatService(stack.sessions, stack.rooms, stack.messages, redisClient, ChatConfig{ChannelBase: "test"}, zerolog.Nop())
	require.NoError(t, err)

	stack.messages.OnAppend(chat.HandleMessage)
	stack.messages.OnDelete(chat.HandleMessageDeleted)
	stack.sessions.OnPresence(chat.HandlePresence)
	stack.rooms.OnTeardown(chat.HandleRoomTeardown)

	return transportFixture{stack: stack, chat: chat}
}

func (f transportFixture) connect(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	served := make(chan struct{})
	go func() {
		defer close(served)
		f.chat.ServeConnection(conn, ChatConnectionOptions{CorrelationID: "test"})
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-served
	})
	return conn
}

func (f transportFixture) login(t *testing.T, conn *fakeConn, userID string) {
	t.Helper()
	conn.send(t, dto.EventAuthenticate, "auth-"+userID, map[string]interface{}{"userId": userID})
	event := conn.expect(t, dto.EventAuthenticated)
	require.Equal(t, "auth-"+userID, event.RequestID)
}

func (f transportFixture) join(t *testing.T, conn *fakeConn, roomID, userID string) dto.RoomResponse {
	t.Helper()
	conn.send(t, dto.EventJoinRoom, "", map[string]interface{}{"roomId": roomID, "userId": userID})
	return decodeEvent[dto.RoomResponse](t, conn.expect(t, dto.EventRoomJoined))
}

func TestChatServiceRequiresAuthentication(t *testing.T) {
	fixture := newTransportFixture(t, nil)
	conn := fixture.connect(t)

	conn.send(t, dto.EventJoinRoom, "r-1", map[string]interface{}{"roomId": "lobby", "userId": "alice"})
	event := conn.expect(t, dto.EventError)
	require.Equal(t, "r-1", event.RequestID)

	payload := decodeEvent[dto.ErrorResponse](t, event)
	require.Equal(t, CodeNotAuthenticated, payload.Code)
	require.Equal(t, dto.EventJoinRoom, payload.Event)

	require.Empty(t, fixture.stack.rooms.ListActive(context.Background()))
}

func TestChatServicePingPong(t *testing.T) {
	fixture := newTransportFixture(t, nil)
	conn := fixture.connect(t)

	conn.send(t, dto.EventPing, "p-1", nil)
	event := conn.expect(t, dto.EventPong)
	require.Equal(t, "p-1", event.RequestID)
}

func TestChatServiceRejectsMalformedFrames(t *testing.T) {
	fixture := newTransportFixture(t, nil)
	conn := fixture.connect(t)

	conn.sendRaw(`not json`)
	require.Equal(t, CodeBadRequest, decodeEvent[dto.ErrorResponse](t, conn.expect(t, dto.EventError)).Code)

	conn.sendRaw(`{"type":"shout","data":{}}`)
	require.Equal(t, CodeBadRequest, decodeEvent[dto.ErrorResponse](t, conn.expect(t, dto.EventError)).Code)

	conn.sendRaw(`{"type":"ping","extra":true}`)
	require.Equal(t, CodeBadRequest, decodeEvent[dto.ErrorResponse](t, conn.expect(t, dto.EventError)).Code)

	conn.send(t, dto.EventAuthenticate, "", nil)
	require.Equal(t, CodeValidation, decodeEvent[dto.ErrorResponse](t, conn.expect(t, dto.EventError)).Code)

	// the connection keeps serving after rejected frames
	conn.send(t, dto.EventPing, "still-here", nil)
	require.Equal(t, "still-here", conn.expect(t, dto.EventPong).RequestID)
}

func TestChatServiceBroadcastsToRoomMembers(t *testing.T) {
	fixture := newTransportFixture(t, nil)

	alice := fixture.connect(t)
	bob := fixture.connect(t)
	fixture.login(t, alice, "alice")
	fixture.login(t, bob, "bob")

	room := fixture.join(t, alice, "lobby", "alice")
	require.Equal(t, []string{"alice"}, room.Members)

	room = fixture.join(t, bob, "lobby", "bob")
	require.Equal(t, []string{"alice", "bob"}, room.Members)

	joined := decodeEvent[dto.UserJoinedResponse](t, alice.expect(t, dto.EventUserJoinedRoom))
	require.Equal(t, "bob", joined.UserID)

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "hi bob"})

	for _, conn := range []*fakeConn{alice, bob} {
		message := decodeEvent[dto.ChatMessageResponse](t, conn.expect(t, dto.EventNewMessage))
		require.Equal(t, "hi bob", message.Content)
		require.Equal(t, "alice", message.AuthorID)
		require.Equal(t, "text", message.Kind)
	}

	history, err := fixture.stack.history.History(context.Background(), dto.ChatHistoryQuery{RoomID: "lobby"})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestChatServiceEnforcesIdentityAndMembership(t *testing.T) {
	fixture := newTransportFixture(t, nil)

	alice := fixture.connect(t)
	fixture.login(t, alice, "alice")

	alice.send(t, dto.EventJoinRoom, "", map[string]interface{}{"roomId": "lobby", "userId": "mallory"})
	require.Equal(t, CodeForbidden, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "hi"})
	require.Equal(t, CodeForbidden, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)

	fixture.join(t, alice, "lobby", "alice")

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "bob", "content": "hi"})
	require.Equal(t, CodeForbidden, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "fake", "kind": "ai"})
	require.Equal(t, CodeForbidden, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": ""})
	require.Equal(t, CodeValidation, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)

	alice.send(t, dto.EventAuthenticate, "", map[string]interface{}{"userId": "bob"})
	require.Equal(t, CodeForbidden, decodeEvent[dto.ErrorResponse](t, alice.expect(t, dto.EventError)).Code)
}

func TestChatServiceSupersededConnectionIsRejected(t *testing.T) {
	fixture := newTransportFixture(t, nil)
	ctx := context.Background()

	first := fixture.connect(t)
	fixture.login(t, first, "alice")
	fixture.join(t, first, "lobby", "alice")

	second := fixture.connect(t)
	fixture.login(t, second, "alice")

	first.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "from the old tab"})
	require.Equal(t, CodeNotAuthenticated, decodeEvent[dto.ErrorResponse](t, first.expect(t, dto.EventError)).Code)

	// closing the old connection leaves the user online
	_ = first.Close()
	require.Eventually(t, func() bool { return fixture.chat.Connections() == 1 }, time.Second, 5*time.Millisecond)

	session, ok := fixture.stack.sessions.Get("alice")
	require.True(t, ok)
	require.True(t, session.Online)

	second.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "from the new tab"})
	message := decodeEvent[dto.ChatMessageResponse](t, second.expect(t, dto.EventNewMessage))
	require.Equal(t, "from the new tab", message.Content)

	history, err := fixture.stack.history.History(ctx, dto.ChatHistoryQuery{RoomID: "lobby"})
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestChatServiceTypingSkipsSender(t *testing.T) {
	fixture := newTransportFixture(t, nil)

	alice := fixture.connect(t)
	bob := fixture.connect(t)
	fixture.login(t, alice, "alice")
	fixture.login(t, bob, "bob")
	fixture.join(t, alice, "lobby", "alice")
	fixture.join(t, bob, "lobby", "bob")
	alice.expect(t, dto.EventUserJoinedRoom)

	alice.send(t, dto.EventTypingStart, "", map[string]interface{}{"roomId": "lobby", "userId": "alice"})
	typing := decodeEvent[dto.TypingResponse](t, bob.expect(t, dto.EventUserTyping))
	require.Equal(t, "alice", typing.UserID)
	require.True(t, typing.IsTyping)
	alice.expectNone(t)

	alice.send(t, dto.EventTypingStop, "", map[string]interface{}{"roomId": "lobby", "userId": "alice"})
	typing = decodeEvent[dto.TypingResponse](t, bob.expect(t, dto.EventUserTyping))
	require.False(t, typing.IsTyping)
}

func TestChatServiceTypingTrimsRoomID(t *testing.T) {
	fixture := newTransportFixture(t, nil)

	alice := fixture.connect(t)
	bob := fixture.connect(t)
	fixture.login(t, alice, "alice")
	fixture.login(t, bob, "bob")
	fixture.join(t, alice, "lobby", "alice")
	fixture.join(t, bob, "lobby", "bob")
	alice.expect(t, dto.EventUserJoinedRoom)

	alice.send(t, dto.EventTypingStart, "", map[string]interface{}{"roomId": "  lobby ", "userId": "alice"})
	typing := decodeEvent[dto.TypingResponse](t, bob.expect(t, dto.EventUserTyping))
	require.Equal(t, "lobby", typing.RoomID)
	require.Equal(t, "alice", typing.UserID)
}

func TestChatServiceBroadcastsPresence(t *testing.T) {
	fixture := newTransportFixture(t, nil)

	observer := fixture.connect(t)
	fixture.login(t, observer, "observer")

	alice := fixture.connect(t)
	alice.send(t, dto.EventAuthenticate, "", map[string]interface{}{"userId": "alice", "profile": map[string]interface{}{"name": "Alice"}})

	var online dto.PresenceResponse
	require.Eventually(t, func() bool {
		select {
		case event := <-observer.outbound:
			if event.Type != dto.EventPresenceOnline {
				return false
			}
			online = decodeEvent[dto.PresenceResponse](t, event)
			return online.UserID == "alice"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Alice", online.Profile["name"])

	_ = alice.Close()

	offline := decodeEvent[dto.PresenceResponse](t, observer.expect(t, dto.EventPresenceOffline))
	require.Equal(t, "alice", offline.UserID)
	require.False(t, offline.Online)
}

func TestChatServiceRoomTeardownDropsSubscribers(t *testing.T) {
	fixture := newTransportFixture(t, nil)
	ctx := context.Background()

	alice := fixture.connect(t)
	fixture.login(t, alice, "alice")
	fixture.join(t, alice, "lobby", "alice")

	require.NoError(t, fixture.stack.rooms.Delete(ctx, "lobby"))

	// a message appended out of band no longer reaches the old subscriber
	_, err := fixture.stack.messages.Append(ctx, dto.SendMessageRequest{RoomID: "lobby", AuthorID: "system", Content: "gone", Kind: string(models.MessageKindSystem)})
	require.NoError(t, err)
	alice.expectNone(t)
}

func TestChatServiceReplaysCachedLastMessage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	fixture := newTransportFixture(t, client)
	ctx := context.Background()

	alice := fixture.connect(t)
	fixture.login(t, alice, "alice")
	fixture.join(t, alice, "lobby", "alice")

	alice.send(t, dto.EventSendMessage, "", map[string]interface{}{"roomId": "lobby", "authorId": "alice", "content": "remember me"})
	sent := decodeEvent[dto.ChatMessageResponse](t, alice.expect(t, dto.EventNewMessage))

	require.True(t, mr.Exists("test:chat:last:lobby"))
	ttl := mr.TTL("test:chat:last:lobby")
	require.Equal(t, chatDefaultCacheTTL, ttl)

	bob := fixture.connect(t)
	fixture.login(t, bob, "bob")
	fixture.join(t, bob, "lobby", "bob")
	replayed := decodeEvent[dto.ChatMessageResponse](t, bob.expect(t, dto.EventNewMessage))
	require.Equal(t, sent.ID, replayed.ID)
	require.Equal(t, "remember me", replayed.Content)

	_, err = fixture.stack.messages.SoftDelete(ctx, sent.ID)
	require.NoError(t, err)
	require.False(t, mr.Exists("test:chat:last:lobby"))

	carol := fixture.connect(t)
	fixture.login(t, carol, "carol")
	fixture.join(t, carol, "lobby", "carol")
	carol.expectNone(t)
}

func TestErrorFrameMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{errBadFrame, CodeBadRequest},
		{ErrValidation, CodeValidation},
		{ErrNotAuthenticated, CodeNotAuthenticated},
		{ErrForbidden, CodeForbidden},
		{ErrRoomNotFound, CodeBadRequest},
		{errors.New("disk on fire"), CodeInternal},
	}

	for _, tc := range cases {
		frame := errorFrame(tc.err, dto.EventSendMessage, "req")
		payload := frame.Data.(dto.ErrorResponse)
		require.Equal(t, dto.EventError, frame.Type)
		require.Equal(t, "req", frame.RequestID)
		require.Equal(t, tc.code, payload.Code)
		require.Equal(t, dto.EventSendMessage, payload.Event)
	}

	internal := errorFrame(errors.New("disk on fire"), "", "").Data.(dto.ErrorResponse)
	require.Equal(t, "internal error", internal.Message)
}
