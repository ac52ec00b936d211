package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"paperlens/internal/config"
)

const defaultClaudeMaxTokens = 4096

// NewClient builds the configured provider's chat model.
// OpenAI-compatible gateways such as OpenRouter or SiliconFlow use the openai
// provider with their own base URL.
func NewClient(ctx context.Context, cfg *config.Config) (Client, error) {
	prov, err := cfg.Provider()
	if err != nil {
		return nil, err
	}
	if prov.Model == "" {
		return nil, fmt.Errorf("provider %s has no model", cfg.LLM.Provider)
	}

	name := strings.ToLower(cfg.LLM.Provider)
	var chatModel model.BaseChatModel
	switch name {
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{APIKey: prov.APIKey})
		if cerr != nil {
			return nil, &Error{Provider: name, Op: "init", Err: cerr}
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  prov.Model,
		})
	case "claude", "anthropic":
		var baseURL *string
		if prov.BaseURL != "" {
			baseURL = &prov.BaseURL
		}
		maxTokens := cfg.LLM.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    prov.APIKey,
			Model:     prov.Model,
			BaseURL:   baseURL,
			MaxTokens: maxTokens,
		})
	default:
		// everything else speaks the OpenAI chat completions protocol
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: prov.BaseURL,
			Model:   prov.Model,
			APIKey:  prov.APIKey,
		})
	}
	if err != nil {
		return nil, &Error{Provider: name, Op: "init", Err: err}
	}

	opts := []model.Option{model.WithTemperature(cfg.LLM.SamplingTemperature())}
	if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(cfg.LLM.MaxTokens))
	}
	return NewEinoClient(name, chatModel, opts...), nil
}
