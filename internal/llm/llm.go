package llm

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// Generator is the only model contract the core depends on: one prompt in,
// text out. An empty string means "no answer"; implementations never
// surface transport errors to callers.
type Generator interface {
	Generate(ctx context.Context, prompt string, mode schema.AssistantMode) string
}

func systemPrompt(mode schema.AssistantMode) string {
	switch mode {
	case schema.ModeCode:
		return "You are the Nimbus code agent. Write precise, runnable code and explain " +
			"assumptions briefly. Prefer safe local-first instructions."
	case schema.ModeAction:
		return "You are the Nimbus action assistant. Be concise, deterministic, and " +
			"safety-aware. When actions are involved, summarize the plan and required approvals."
	}
	return "You are Nimbus, a local-first assistant. Respond clearly and accurately. " +
		"Prefer practical and direct answers."
}

func generateText(ctx context.Context, model llms.Model, system, prompt string, maxTokens int) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
	resp, err := model.GenerateContent(ctx, messages,
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
