package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"quizcast/internal/config"
)

// Completer sends one system instruction plus one prompt and returns the raw reply.
type Completer struct {
	chatModel model.ToolCallingChatModel
	provider  string
}

// NewCompleter builds a completer for the configured provider.
func NewCompleter(ctx context.Context, cfg config.GenerationConfig) (*Completer, error) {
	chatModel, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCompleterFromModel(cfg.Provider, chatModel), nil
}

// NewCompleterFromModel wraps an already built chat model.
func NewCompleterFromModel(provider string, chatModel model.ToolCallingChatModel) *Completer {
	return &Completer{chatModel: chatModel, provider: provider}
}

func newChatModel(ctx context.Context, cfg config.GenerationConfig) (model.ToolCallingChatModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api_key is required", cfg.Provider)
	}
	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		maxTokens := cfg.MaxTokens
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			MaxTokens: &maxTokens,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", cfg.Provider, err)
	}
	return chatModel, nil
}

// Complete performs a single non-streaming generation call.
func (c *Completer) Complete(ctx context.Context, system, prompt string) (string, error) {
	if c == nil || c.chatModel == nil {
		return "", errors.New("completer not initialized")
	}
	resp, err := c.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", c.provider, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%s generate: empty response", c.provider)
	}
	return resp.Content, nil
}
