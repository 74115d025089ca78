package llm

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/carebot/pkg/adapter"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/goerr/v2"
)

// Embedder produces embeddings for a gateway without its own embedding model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Claude implements LLMGateway with Claude for text and a separate embedder.
type Claude struct {
	client   adapter.Claude
	embedder Embedder
}

var _ interfaces.LLMGateway = &Claude{}

func NewClaude(client adapter.Claude, embedder Embedder) *Claude {
	return &Claude{client: client, embedder: embedder}
}

func messageText(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	var texts []string
	for _, block := range msg.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, "")
}

func (c *Claude) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	var messages []anthropic.MessageParam
	if input.PriorContext != "" {
		messages = append(messages,
			anthropic.NewUserMessage(anthropic.NewTextBlock(input.PriorContext)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock("Understood.")),
		)
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(input.Prompt)))

	msg, err := c.client.CreateMessage(ctx, input.SystemInstructions, messages)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate text")
	}

	text := messageText(msg)
	if text == "" {
		return nil, goerr.New("empty response from claude")
	}

	return &interfaces.GenerateOutput{
		Text:       text,
		TokenCount: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}, nil
}

func (c *Claude) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, goerr.New("no embedder configured for claude gateway")
	}
	return c.embedder.Embed(ctx, text)
}

func (c *Claude) ClassifyIntent(ctx context.Context, message, priorContext string) (string, error) {
	prompt, err := buildClassifyPrompt(message, priorContext)
	if err != nil {
		return "", err
	}

	msg, err := c.client.CreateMessage(ctx,
		"You output JSON only. Never add prose or code fences.",
		[]anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	)
	if err != nil {
		return "", goerr.Wrap(err, "failed to classify intent")
	}
	return messageText(msg), nil
}
