package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/nimbuslabs/nimbus/pkg/config"
)

// CloudClient is the escalation backend used by the hybrid dispatcher.
// Unlike the local client it reports errors: the dispatcher counts failed
// attempts and records them as warnings.
type CloudClient struct {
	model   llms.Model
	timeout time.Duration
}

func NewCloudClient(cfg *config.Config) (*CloudClient, error) {
	if cfg.Cloud.APIKey == "" {
		return nil, errors.New("cloud model api key is not configured")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.Cloud.APIKey),
		openai.WithModel(cfg.Cloud.Model),
	}
	if cfg.Cloud.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Cloud.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud model client: %w", err)
	}
	return &CloudClient{model: model, timeout: cfg.RequestTimeout()}, nil
}

func (c *CloudClient) Generate(ctx context.Context, prompt string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	system := "You are a reliable dispatcher reasoning model. Return strict JSON with 'reply' and 'actions'."
	return generateText(genCtx, c.model, system, prompt, 512)
}
