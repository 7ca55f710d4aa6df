package ai

import (
	"context"
	"fmt"
	"strings"
)

// EchoResponder is an offline responder used in development and tests.
type EchoResponder struct{}

// NewEchoResponder constructs an EchoResponder.
func NewEchoResponder() *EchoResponder {
	return &EchoResponder{}
}

// Name identifies the provider.
func (e *EchoResponder) Name() string {
	return "echo"
}

// Respond acknowledges the message without calling any external service.
func (e *EchoResponder) Respond(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	content := strings.TrimSpace(req.Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty message")
	}
	return fmt.Sprintf("You said %q. I'm running in offline mode, so that's all I can do for now.", content), nil
}
