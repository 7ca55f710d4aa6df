package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AssistantAuthorID is the author id under which AI replies are posted.
const AssistantAuthorID = "ai-assistant"

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chat",
		Subsystem: "ai",
		Name:      "reply_duration_seconds",
		Help:      "Duration of AI reply requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "ai",
		Name:      "reply_failures_total",
		Help:      "Number of AI reply failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI responder.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIResponder implements Responder against the OpenAI chat completion API.
type OpenAIResponder struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIResponder builds a new responder using the provided configuration.
func NewOpenAIResponder(cfg OpenAIConfig) (*OpenAIResponder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIResponder{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-chat/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_responder").Logger(),
	}, nil
}

// Name identifies the provider.
func (r *OpenAIResponder) Name() string {
	return "openai"
}

// Respond sends the room context to OpenAI and returns the first choice.
func (r *OpenAIResponder) Respond(parent context.Context, req Request) (string, error) {
	ctx, span := r.tracer.Start(parent, "openai.respond", trace.WithAttributes(
		attribute.String("model", r.cfg.Model),
		attribute.String("chat.room_id", req.RoomID),
		attribute.Int("chat.history_len", len(req.History)),
	))
	defer span.End()

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
		Messages:    buildMessages(req),
	})
	aiDuration.WithLabelValues(r.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", r.fail(span, fmt.Errorf("openai respond: %w", err))
	}

	if len(resp.Choices) == 0 {
		return "", r.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", r.fail(span, fmt.Errorf("empty reply returned from openai"))
	}

	r.logger.Debug().
		Str("room_id", req.RoomID).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("openai reply generated")

	return content, nil
}

func (r *OpenAIResponder) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(r.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func systemPrompt() string {
	return "You are a helpful assistant taking part in a group chat room. Reply briefly and conversationally " +
		"to the latest message, using the earlier messages only as context."
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(),
	})

	for _, item := range req.History {
		if item.ID == req.Message.ID {
			continue
		}
		role := openai.ChatMessageRoleUser
		content := fmt.Sprintf("%s: %s", item.AuthorID, item.Content)
		if item.AuthorID == AssistantAuthorID {
			role = openai.ChatMessageRoleAssistant
			content = item.Content
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: content})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("%s: %s", req.Message.AuthorID, req.Message.Content),
	})
	return messages
}
