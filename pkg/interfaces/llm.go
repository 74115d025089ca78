package interfaces

import "context"

// GenerateInput is a single text generation request.
type GenerateInput struct {
	Prompt             string
	PriorContext       string
	SystemInstructions string
}

type GenerateOutput struct {
	Text       string
	TokenCount int
}

// LLMGateway is the boundary to generative and embedding models.
type LLMGateway interface {
	Generate(ctx context.Context, input *GenerateInput) (*GenerateOutput, error)
	Embed(ctx context.Context, text string) ([]float32, error)

	// ClassifyIntent returns the raw classifier output. The caller parses
	// it and must tolerate malformed output.
	ClassifyIntent(ctx context.Context, message, priorContext string) (string, error)
}
