package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 8192
)

// AnthropicBackend answers a task with a single Messages API call. It suits
// writing and analysis tasks that need no tools on the host.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicBackend(apiKey, model string, maxTokens int) *AnthropicBackend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

func (b *AnthropicBackend) Run(ctx context.Context, req Request, emit func(Output)) (string, error) {
	model := b.model
	if req.Model != "" {
		model = req.Model
	}
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: b.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages call failed: %w", err)
	}

	var summary strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			summary.WriteString(variant.Text)
			emit(Output{Kind: OutputMessage, Content: variant.Text})
		case anthropic.ToolUseBlock:
			emit(Output{Kind: OutputToolUse, Content: variant.Name + " " + string(variant.Input)})
		}
	}
	return summary.String(), nil
}
