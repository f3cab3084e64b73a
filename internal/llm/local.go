package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

// LocalClient talks to the local model server. When the model is down or
// returns nothing it degrades to a deterministic textual fallback, so the
// caller always gets something to say.
type LocalClient struct {
	model   llms.Model
	timeout time.Duration
}

func NewLocalClient(cfg *config.Config) (*LocalClient, error) {
	model, err := ollama.New(
		ollama.WithServerURL(cfg.Local.BaseURL),
		ollama.WithModel(cfg.Local.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("local model client: %w", err)
	}
	return &LocalClient{model: model, timeout: cfg.RequestTimeout()}, nil
}

func (c *LocalClient) Generate(ctx context.Context, prompt string, mode schema.AssistantMode) string {
	maxTokens := 512
	if mode == schema.ModeCode {
		maxTokens = 700
	}
	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := generateText(genCtx, c.model, systemPrompt(mode), prompt, maxTokens)
	if err == nil && text != "" {
		return text
	}
	return fallbackReply(prompt, mode)
}

func fallbackReply(prompt string, mode schema.AssistantMode) string {
	text := strings.TrimSpace(prompt)
	switch mode {
	case schema.ModeCode:
		return "Local model is unavailable. I can still help with structure and pseudocode. " +
			"Start from this task: " + text
	case schema.ModeAction:
		return "I prepared an action plan using local rules. Approve required steps to execute."
	}
	return "Offline fallback response: " + text
}
