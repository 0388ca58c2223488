package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig 描述 Anthropic Messages API 的调用参数。
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// AnthropicClient 通过官方 SDK 调用 Claude 模型。
type AnthropicClient struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicClient 创建客户端。
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	model := anthropic.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &AnthropicClient{
		inner:     anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate 实现 Generator。
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", err
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errEmptyReply
	}
	return out, nil
}
