package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Telemetry event types.
const (
	TelemetryMessageSent   = "message_sent"
	TelemetryAIResponded   = "ai_responded"
	TelemetryFeedbackGiven = "feedback_given"
)

const defaultTelemetryBuffer = 256

// TelemetryEvent is a fire-and-forget interaction record.
type TelemetryEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"roomId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Rating    *int      `json:"rating,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	At        time.Time `json:"at"`
}

// TelemetrySink delivers encoded telemetry events.
type TelemetrySink interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
}

type logSink struct {
	logger zerolog.Logger
}

func (s *logSink) Name() string { return "log" }

func (s *logSink) Publish(_ context.Context, payload []byte) error {
	s.logger.Info().RawJSON("event", payload).Msg("telemetry")
	return nil
}

type redisSink struct {
	client  *redis.Client
	channel string
}

func (s *redisSink) Name() string { return "redis" }

func (s *redisSink) Publish(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, s.channel, payload).Err()
}

type natsSink struct {
	conn    *nats.Conn
	subject string
}

func (s *natsSink) Name() string { return "nats" }

func (s *natsSink) Publish(_ context.Context, payload []byte) error {
	return s.conn.Publish(s.subject, payload)
}

// NewTelemetrySink selects the sink named by kind. "none" yields a nil sink.
func NewTelemetrySink(kind string, redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) (TelemetrySink, error) {
	base := strings.TrimSpace(channelBase)
	if base == "" {
		base = "gema"
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "log":
		return &logSink{logger: logger.With().Str("component", "telemetry").Logger()}, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("telemetry sink redis requires a redis connection")
		}
		return &redisSink{client: redisClient, channel: base + ":telemetry"}, nil
	case "nats":
		if natsConn == nil {
			return nil, fmt.Errorf("telemetry sink nats requires a nats connection")
		}
		return &natsSink{conn: natsConn, subject: strings.ReplaceAll(base, ":", ".") + ".telemetry"}, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown telemetry sink %q", kind)
	}
}

// TelemetryDispatcher buffers events and forwards them to a sink from a
// single goroutine. Events are dropped when the buffer is full.
type TelemetryDispatcher interface {
	Emit(event TelemetryEvent)
	HandleMessage(ctx context.Context, message models.ChatMessage)
	Start(ctx context.Context)
	Wait()
}

type telemetryDispatcher struct {
	sink    TelemetrySink
	events  chan TelemetryEvent
	logger  zerolog.Logger
	done    chan struct{}
	started atomic.Bool
}

// NewTelemetryDispatcher constructs a dispatcher. A nil sink discards every event.
func NewTelemetryDispatcher(sink TelemetrySink, buffer int, logger zerolog.Logger) TelemetryDispatcher {
	if buffer <= 0 {
		buffer = defaultTelemetryBuffer
	}
	return &telemetryDispatcher{
		sink:   sink,
		events: make(chan TelemetryEvent, buffer),
		logger: logger.With().Str("component", "telemetry_dispatcher").Logger(),
		done:   make(chan struct{}),
	}
}

func (d *telemetryDispatcher) Emit(event TelemetryEvent) {
	if d.sink == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case d.events <- event:
	default:
		observability.TelemetryDropped().Inc()
		d.logger.Warn().Str("type", event.Type).Msg("telemetry buffer full, dropping event")
	}
}

// HandleMessage is registered as a message-appended listener.
func (d *telemetryDispatcher) HandleMessage(_ context.Context, message models.ChatMessage) {
	eventType := TelemetryMessageSent
	if message.Kind == models.MessageKindAI {
		eventType = TelemetryAIResponded
	}
	d.Emit(TelemetryEvent{
		Type:      eventType,
		RoomID:    message.RoomID,
		MessageID: message.ID,
		UserID:    message.AuthorID,
		Kind:      string(message.Kind),
		At:        message.CreatedAt,
	})
}

// Start runs the delivery loop until ctx is done. Start is effective once.
func (d *telemetryDispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-d.events:
				d.deliver(ctx, event)
			}
		}
	}()
}

// Wait blocks until the delivery loop has exited.
func (d *telemetryDispatcher) Wait() {
	if !d.started.Load() {
		return
	}
	<-d.done
}

func (d *telemetryDispatcher) deliver(ctx context.Context, event TelemetryEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to encode telemetry event")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.sink.Publish(sendCtx, payload); err != nil {
		d.logger.Warn().Err(err).Str("sink", d.sink.Name()).Str("type", event.Type).Msg("failed to publish telemetry event")
	}
}

// FeedbackService records user ratings of messages as telemetry.
type FeedbackService interface {
	Submit(ctx context.Context, messageID string, req dto.FeedbackRequest) error
}

type feedbackService struct {
	messages  MessageService
	telemetry TelemetryDispatcher
	validator *validator.Validate
}

// NewFeedbackService constructs a feedback service.
func NewFeedbackService(messages MessageService, telemetry TelemetryDispatcher, validate *validator.Validate) FeedbackService {
	return &feedbackService{messages: messages, telemetry: telemetry, validator: validate}
}

func (s *feedbackService) Submit(ctx context.Context, messageID string, req dto.FeedbackRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.validator.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	message, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return err
	}

	rating := req.Rating
	s.telemetry.Emit(TelemetryEvent{
		Type:      TelemetryFeedbackGiven,
		RoomID:    message.RoomID,
		MessageID: message.ID,
		UserID:    req.UserID,
		Kind:      string(message.Kind),
		Rating:    &rating,
		Comment:   req.Comment,
	})
	return nil
}
