package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/carebot/pkg/adapter"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Gemini implements LLMGateway on top of Vertex AI Gemini.
type Gemini struct {
	client adapter.Gemini
}

var _ interfaces.LLMGateway = &Gemini{}

func NewGemini(client adapter.Gemini) *Gemini {
	return &Gemini{client: client}
}

// isTokenLimitError checks if the error is due to token limit exceeded
func isTokenLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Code == 400 &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}

func wrapGeminiError(err error, msg string) error {
	if isTokenLimitError(err) {
		return goerr.Wrap(ErrPermanent, msg, goerr.V("cause", err.Error()))
	}
	return goerr.Wrap(err, msg)
}

func noThinking() *genai.ThinkingConfig {
	thinkingBudget := int32(0)
	return &genai.ThinkingConfig{
		IncludeThoughts: false,
		ThinkingBudget:  &thinkingBudget,
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var texts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "")
}

func (g *Gemini) Generate(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
	var contents []*genai.Content
	if input.PriorContext != "" {
		contents = append(contents, genai.NewContentFromText(input.PriorContext, genai.RoleUser))
	}
	contents = append(contents, genai.NewContentFromText(input.Prompt, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		ThinkingConfig: noThinking(),
	}
	if input.SystemInstructions != "" {
		config.SystemInstruction = genai.NewContentFromText(input.SystemInstructions, "")
	}

	resp, err := g.client.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, wrapGeminiError(err, "failed to generate text")
	}

	text := responseText(resp)
	if text == "" {
		return nil, goerr.New("empty response from gemini")
	}

	out := &interfaces.GenerateOutput{Text: text}
	if resp.UsageMetadata != nil {
		out.TokenCount = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.Embedding(ctx, text)
	if err != nil {
		return nil, wrapGeminiError(err, "failed to embed text")
	}
	if resp == nil || len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("empty embedding from gemini")
	}
	return resp.Embeddings[0].Values, nil
}

func (g *Gemini) ClassifyIntent(ctx context.Context, message, priorContext string) (string, error) {
	prompt, err := buildClassifyPrompt(message, priorContext)
	if err != nil {
		return "", err
	}

	schema, err := convertJSONSchemaToGenai(ClassificationSchema())
	if err != nil {
		return "", goerr.Wrap(err, "failed to convert classification schema")
	}

	resp, err := g.client.GenerateContent(ctx,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
			ThinkingConfig:   noThinking(),
		})
	if err != nil {
		return "", wrapGeminiError(err, "failed to classify intent")
	}

	return responseText(resp), nil
}

// IsTokenLimitErrorForTest is a test helper that exposes isTokenLimitError
func IsTokenLimitErrorForTest(err error) bool {
	return isTokenLimitError(err)
}
