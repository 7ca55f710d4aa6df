package ai

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Config selects and configures the AI provider.
type Config struct {
	Provider     string
	OpenAIAPIKey string
	Model        string
	Logger       zerolog.Logger
}

// NewResponder builds the configured provider. It returns nil, nil when the
// provider is "none".
func NewResponder(cfg Config) (Responder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		responder, err := NewOpenAIResponder(OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.Model,
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return responder, nil
	case "echo", "":
		return NewEchoResponder(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
