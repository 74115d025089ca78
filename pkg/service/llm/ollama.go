package llm

import (
	"context"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/goerr/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Ollama implements LLMGateway against a local Ollama server through
// langchaingo.
type Ollama struct {
	chat     *ollama.LLM
	embedder embeddings.Embedder
}

var _ interfaces.LLMGateway = &Ollama{}

// NewOllama connects to serverURL. chatModel serves generation and
// classification, embedModel serves embeddings.
func NewOllama(serverURL, chatModel, embedModel string) (*Ollama, error) {
	chat, err := ollama.New(ollama.WithModel(chatModel), ollama.WithServerURL(serverURL))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ollama chat model", goerr.V("model", chatModel))
	}

	embedLLM, err := ollama.New(ollama.WithModel(embedModel), ollama.WithServerURL(serverURL))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ollama embedding model", goerr.V("model", embedModel))
	}
	embedder, err := embeddings.NewEmbedder(embedLLM)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create ollama embedder", goerr.V("model", embedModel))
	}

	return &Ollama{chat: chat, embedder: embedder}, nil
}

func (o *Ollama) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	var messages []llms.MessageContent
	if input.SystemInstructions != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, input.SystemInstructions))
	}
	if input.PriorContext != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input.PriorContext))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input.Prompt))

	resp, err := o.chat.GenerateContent(ctx, messages)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate text")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return nil, goerr.New("empty response from ollama")
	}

	out := &interfaces.GenerateOutput{Text: resp.Choices[0].Content}
	if v, ok := resp.Choices[0].GenerationInfo["TotalTokens"].(int); ok {
		out.TokenCount = v
	}
	return out, nil
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed text")
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, goerr.New("empty embedding from ollama")
	}
	return vectors[0], nil
}

func (o *Ollama) ClassifyIntent(ctx context.Context, message, priorContext string) (string, error) {
	prompt, err := buildClassifyPrompt(message, priorContext)
	if err != nil {
		return "", err
	}

	resp, err := o.chat.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		llms.WithJSONMode(),
		llms.WithTemperature(0),
	)
	if err != nil {
		return "", goerr.Wrap(err, "failed to classify intent")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}
