package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/pkg/ai"
)

type recordingAppender struct {
	mu       sync.Mutex
	requests []dto.SendMessageRequest
}

func (r *recordingAppender) Append(_ context.Context, req dto.SendMessageRequest) (models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return models.ChatMessage{ID: "reply", RoomID: req.RoomID, AuthorID: req.AuthorID, Content: req.Content, Kind: models.MessageKind(req.Kind)}, nil
}

func (r *recordingAppender) snapshot() []dto.SendMessageRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dto.SendMessageRequest(nil), r.requests...)
}

type stubResponder struct {
	reply string
	err   error
	block bool
}

func (s stubResponder) Name() string { return "stub" }

func (s stubResponder) Respond(ctx context.Context, _ ai.Request) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.reply, s.err
}

func textMessage(roomID, content string) models.ChatMessage {
	return models.ChatMessage{
		ID:        "m-" + roomID,
		RoomID:    roomID,
		AuthorID:  "alice",
		Content:   content,
		Kind:      models.MessageKindText,
		CreatedAt: time.Now().UTC(),
	}
}

func TestShouldTrigger(t *testing.T) {
	cases := map[string]bool{
		"what time is it?":         true,
		"  is it done ?  ":         true,
		"hey @ai, any ideas":       true,
		"@assistant: summarize":    true,
		"Help":                     true,
		"help me with this":        true,
		"Please, look at the logs": true,
		"can you check this":       true,
		"tell me a joke":           true,
		"helpful tip":              false,
		"email me@ai.example.com":  false,
		"just chatting":            false,
		"":                         false,
		"   ":                      false,
	}

	for content, expected := range cases {
		require.Equal(t, expected, ShouldTrigger(content), "content %q", content)
	}
}

func TestAITriggerCoordinatorRepliesWithEcho(t *testing.T) {
	stack := newChatStack(t)
	ctx := context.Background()

	coordinator := NewAITriggerCoordinator(ai.NewEchoResponder(), stack.messages, stack.history, AITriggerConfig{ReplyDelay: 10 * time.Millisecond}, zerolog.Nop())
	stack.messages.OnAppend(coordinator.HandleMessage)
	t.Cleanup(func() { _ = coordinator.Shutdown(context.Background()) })

	question, err := stack.messages.Append(ctx, dto.SendMessageRequest{RoomID: "lobby", AuthorID: "alice", Content: "what is the status?"})
	require.NoError(t, err)

	var reply models.ChatMessage
	require.Eventually(t, func() bool {
		page, err := stack.history.History(ctx, dto.ChatHistoryQuery{RoomID: "lobby", Limit: 1})
		if err != nil || len(page) == 0 || page[0].ID == question.ID {
			return false
		}
		reply = page[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, models.MessageKindAI, reply.Kind)
	require.Equal(t, ai.AssistantAuthorID, reply.AuthorID)
	require.Contains(t, reply.Content, "what is the status?")
	require.Equal(t, question.ID, reply.Metadata["replyTo"])
	require.Equal(t, "echo", reply.Metadata["provider"])

	// the reply itself must not trigger another one
	time.Sleep(50 * time.Millisecond)
	page, err := stack.history.History(ctx, dto.ChatHistoryQuery{RoomID: "lobby"})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Zero(t, coordinator.Pending())
}

func TestAITriggerCoordinatorIgnoresNonTriggers(t *testing.T) {
	defer verifyNoLeaks(t)()

	appender := &recordingAppender{}
	coordinator := NewAITriggerCoordinator(stubResponder{reply: "hi"}, appender, nil, AITriggerConfig{}, zerolog.Nop())

	coordinator.HandleMessage(context.Background(), textMessage("lobby", "just chatting"))

	system := textMessage("lobby", "deploy?")
	system.Kind = models.MessageKindSystem
	coordinator.HandleMessage(context.Background(), system)

	own := textMessage("lobby", "anything else?")
	own.AuthorID = ai.AssistantAuthorID
	coordinator.HandleMessage(context.Background(), own)

	require.Zero(t, coordinator.Pending())
	require.NoError(t, coordinator.Shutdown(context.Background()))
	require.Empty(t, appender.snapshot())

	silent := NewAITriggerCoordinator(nil, appender, nil, AITriggerConfig{}, zerolog.Nop())
	silent.HandleMessage(context.Background(), textMessage("lobby", "anyone?"))
	require.Zero(t, silent.Pending())
	require.NoError(t, silent.Shutdown(context.Background()))
}

func TestAITriggerCoordinatorAppendsApologyOnFailure(t *testing.T) {
	defer verifyNoLeaks(t)()

	appender := &recordingAppender{}
	coordinator := NewAITriggerCoordinator(stubResponder{err: errors.New("provider down")}, appender, nil, AITriggerConfig{}, zerolog.Nop())

	coordinator.HandleMessage(context.Background(), textMessage("lobby", "help"))

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, coordinator.Shutdown(context.Background()))

	req := appender.snapshot()[0]
	require.Equal(t, string(models.MessageKindError), req.Kind)
	require.Equal(t, AIApology, req.Content)
	require.Equal(t, ai.AssistantAuthorID, req.AuthorID)
	require.Equal(t, "m-lobby", req.Metadata["replyTo"])
}

func TestAITriggerCoordinatorStoresApologyDurably(t *testing.T) {
	stack := newChatStack(t)
	ctx := context.Background()

	coordinator := NewAITriggerCoordinator(stubResponder{err: errors.New("provider down")}, stack.messages, stack.history, AITriggerConfig{ReplyDelay: 10 * time.Millisecond}, zerolog.Nop())
	stack.messages.OnAppend(coordinator.HandleMessage)
	t.Cleanup(func() { _ = coordinator.Shutdown(context.Background()) })

	_, err := stack.messages.Append(ctx, dto.SendMessageRequest{RoomID: "lobby", AuthorID: "alice", Content: "just chatting"})
	require.NoError(t, err)
	question, err := stack.messages.Append(ctx, dto.SendMessageRequest{RoomID: "lobby", AuthorID: "alice", Content: "can you summarize?"})
	require.NoError(t, err)

	var apology models.ChatMessage
	require.Eventually(t, func() bool {
		page, err := stack.history.History(ctx, dto.ChatHistoryQuery{RoomID: "lobby", Limit: 1})
		if err != nil || len(page) == 0 || page[0].ID == question.ID {
			return false
		}
		apology = page[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, models.MessageKindError, apology.Kind)
	require.Equal(t, AIApology, apology.Content)
	require.Equal(t, ai.AssistantAuthorID, apology.AuthorID)
	require.Equal(t, question.ID, apology.Metadata["replyTo"])

	stored, err := stack.messages.Get(ctx, apology.ID)
	require.NoError(t, err)
	require.Equal(t, AIApology, stored.Content)

	page, err := stack.history.History(ctx, dto.ChatHistoryQuery{RoomID: "lobby"})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Eventually(t, func() bool { return coordinator.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAITriggerCoordinatorTruncatesLongReplies(t *testing.T) {
	defer verifyNoLeaks(t)()

	appender := &recordingAppender{}
	coordinator := NewAITriggerCoordinator(stubResponder{reply: strings.Repeat("é", maxReplyRunes+10)}, appender, nil, AITriggerConfig{}, zerolog.Nop())

	coordinator.HandleMessage(context.Background(), textMessage("lobby", "explain everything"))

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, coordinator.Shutdown(context.Background()))

	req := appender.snapshot()[0]
	require.Equal(t, string(models.MessageKindAI), req.Kind)
	require.Equal(t, maxReplyRunes, len([]rune(req.Content)))
}

func TestAITriggerCoordinatorCancelRoomDropsPendingReplies(t *testing.T) {
	defer verifyNoLeaks(t)()

	appender := &recordingAppender{}
	coordinator := NewAITriggerCoordinator(stubResponder{reply: "late"}, appender, nil, AITriggerConfig{ReplyDelay: time.Hour}, zerolog.Nop())

	coordinator.HandleMessage(context.Background(), textMessage("doomed", "anyone there?"))
	coordinator.HandleMessage(context.Background(), textMessage("other", "anyone there?"))
	require.Equal(t, 2, coordinator.Pending())

	coordinator.CancelRoom("doomed")
	require.Eventually(t, func() bool { return coordinator.Pending() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, coordinator.Shutdown(ctx))
	require.Zero(t, coordinator.Pending())
	require.Empty(t, appender.snapshot())

	// nothing is scheduled after shutdown
	coordinator.HandleMessage(context.Background(), textMessage("other", "still there?"))
	require.Zero(t, coordinator.Pending())
}

func TestAITriggerCoordinatorShutdownInterruptsProvider(t *testing.T) {
	defer verifyNoLeaks(t)()

	appender := &recordingAppender{}
	coordinator := NewAITriggerCoordinator(stubResponder{block: true}, appender, nil, AITriggerConfig{Timeout: time.Hour}, zerolog.Nop())

	coordinator.HandleMessage(context.Background(), textMessage("lobby", "are you there?"))
	require.Equal(t, 1, coordinator.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, coordinator.Shutdown(ctx))
	require.Empty(t, appender.snapshot())
}

func TestAITriggerCoordinatorPassesHistoryOldestFirst(t *testing.T) {
	stack := newChatStack(t)
	ctx := context.Background()

	seedMessages(t, stack, "lobby", "first", "second")
	trigger, err := stack.messages.Append(ctx, dto.SendMessageRequest{RoomID: "lobby", AuthorID: "alice", Content: "third?"})
	require.NoError(t, err)

	captured := make(chan ai.Request, 1)
	responder := capturingResponder{requests: captured}
	coordinator := NewAITriggerCoordinator(responder, stack.messages, stack.history, AITriggerConfig{HistoryLimit: 2}, zerolog.Nop())
	t.Cleanup(func() { _ = coordinator.Shutdown(context.Background()) })

	coordinator.HandleMessage(ctx, trigger)

	select {
	case req := <-captured:
		require.Equal(t, "lobby", req.RoomID)
		require.Equal(t, trigger.ID, req.Message.ID)
		require.Len(t, req.History, 2)
		require.Equal(t, "second", req.History[0].Content)
		require.Equal(t, "third?", req.History[1].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("responder was not called")
	}
}

type capturingResponder struct {
	requests chan<- ai.Request
}

func (c capturingResponder) Name() string { return "capture" }

func (c capturingResponder) Respond(_ context.Context, req ai.Request) (string, error) {
	select {
	case c.requests <- req:
	default:
	}
	return "noted", nil
}

func TestTruncateRunes(t *testing.T) {
	require.Equal(t, "héllo", truncateRunes("héllo", 10))
	require.Equal(t, "hé", truncateRunes("héllo", 2))
}
