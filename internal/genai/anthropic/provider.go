// Package anthropic implements the genai Generator on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-sonnet-4-5"

// Provider generates campaign content with Claude.
type Provider struct {
	client *anthropic.Client
	model  string
}

// NewProvider creates a Provider with the given API key and model. An
// empty model falls back to the default.
func NewProvider(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client, model: model}, nil
}

// NewProviderWithClient creates a Provider around an injected client, for
// testing.
func NewProviderWithClient(client *anthropic.Client, model string) *Provider {
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: client, model: model}
}

// Generate produces message text. The recipient context is appended to the
// user instruction as key/value lines so the model can personalize output.
func (p *Provider) Generate(ctx context.Context, system, instruction string, contextVars map[string]string) (string, error) {
	user := instruction
	if len(contextVars) > 0 {
		var sb strings.Builder
		sb.WriteString(user)
		sb.WriteString("\n\nRecipient context:\n")
		keys := make([]string, 0, len(contextVars))
		for k := range contextVars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, contextVars[k])
		}
		user = sb.String()
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: generate: empty completion")
	}
	return text, nil
}
