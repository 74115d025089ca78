package llm_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/mock"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/service/llm"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

type mockGemini struct {
	generateFunc  func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	embeddingFunc func(ctx context.Context, text string) (*genai.EmbedContentResponse, error)
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, contents, config)
	}
	return nil, errors.New("not implemented")
}

func (m *mockGemini) Embedding(ctx context.Context, text string) (*genai.EmbedContentResponse, error) {
	if m.embeddingFunc != nil {
		return m.embeddingFunc(ctx, text)
	}
	return nil, errors.New("not implemented")
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func TestGeminiClassifyIntent(t *testing.T) {
	var gotConfig *genai.GenerateContentConfig
	gemini := llm.NewGemini(&mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotConfig = config
			return textResponse(`{"category":"booking","confidence":0.92,"entities":["cardiologist"]}`), nil
		},
	})

	raw, err := gemini.ClassifyIntent(context.Background(), "book a cardiologist", "")
	gt.NoError(t, err)

	c, err := model.ParseIntentClassification(raw)
	gt.NoError(t, err)
	gt.Equal(t, c.Category, model.IntentBooking)
	gt.A(t, c.Entities).Length(1)

	gt.Equal(t, gotConfig.ResponseMIMEType, "application/json")
	gt.V(t, gotConfig.ResponseSchema).NotNil()
	gt.A(t, gotConfig.ResponseSchema.Properties["category"].Enum).Length(len(model.IntentCategories))
}

func TestGeminiGenerate(t *testing.T) {
	var gotContents []*genai.Content
	gemini := llm.NewGemini(&mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			gotContents = contents
			gt.V(t, config.SystemInstruction).NotNil()
			return textResponse("Dr. Sato is available on Monday."), nil
		},
	})

	out, err := gemini.Generate(context.Background(), &interfaces.GenerateInput{
		Prompt:             "when is Dr. Sato available?",
		PriorContext:       "user: hello",
		SystemInstructions: "You are a clinic assistant.",
	})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "Dr. Sato is available on Monday.")
	gt.A(t, gotContents).Length(2)
}

func TestGeminiEmbed(t *testing.T) {
	gemini := llm.NewGemini(&mockGemini{
		embeddingFunc: func(ctx context.Context, text string) (*genai.EmbedContentResponse, error) {
			return &genai.EmbedContentResponse{
				Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.1, 0.2}}},
			}, nil
		},
	})

	vec, err := gemini.Embed(context.Background(), "hello")
	gt.NoError(t, err)
	gt.A(t, vec).Length(2)
}

func TestIsTokenLimitError(t *testing.T) {
	gt.False(t, llm.IsTokenLimitErrorForTest(nil))
	gt.False(t, llm.IsTokenLimitErrorForTest(errors.New("boom")))
	gt.True(t, llm.IsTokenLimitErrorForTest(genai.APIError{
		Code:    400,
		Status:  "INVALID_ARGUMENT",
		Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
	}))
}

type mockClaude struct {
	createFunc func(ctx context.Context, system string, messages []anthropic.MessageParam) (*anthropic.Message, error)
}

func (m *mockClaude) CreateMessage(ctx context.Context, system string, messages []anthropic.MessageParam) (*anthropic.Message, error) {
	return m.createFunc(ctx, system, messages)
}

func TestClaudeGateway(t *testing.T) {
	claude := llm.NewClaude(&mockClaude{
		createFunc: func(ctx context.Context, system string, messages []anthropic.MessageParam) (*anthropic.Message, error) {
			return &anthropic.Message{
				Content: []anthropic.ContentBlockUnion{{Type: "text", Text: "Hello from the clinic."}},
				Usage:   anthropic.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}, &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return []float32{1, 2, 3}, nil
		},
	})

	out, err := claude.Generate(context.Background(), &interfaces.GenerateInput{Prompt: "hi"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "Hello from the clinic.")
	gt.Equal(t, out.TokenCount, 15)

	vec, err := claude.Embed(context.Background(), "hi")
	gt.NoError(t, err)
	gt.A(t, vec).Length(3)

	noEmbed := llm.NewClaude(&mockClaude{}, nil)
	_, err = noEmbed.Embed(context.Background(), "hi")
	gt.Error(t, err)
}

func TestClassifyPrompt(t *testing.T) {
	prompt, err := llm.BuildClassifyPromptForTest("Can I see a dermatologist?", "user: hello")
	gt.NoError(t, err)
	gt.S(t, prompt).Contains("Can I see a dermatologist?")
	gt.S(t, prompt).Contains("user: hello")
	gt.S(t, prompt).Contains(`"confidence"`)

	schema, err := llm.ConvertJSONSchemaToGenaiForTest(llm.ClassificationSchema())
	gt.NoError(t, err)
	gt.Equal(t, schema.Type, genai.TypeObject)
	gt.Equal(t, schema.Properties["confidence"].Type, genai.TypeNumber)
	gt.Equal(t, schema.Properties["entities"].Items.Type, genai.TypeString)
	gt.A(t, schema.Required).Length(2)
}

func TestResilientRetries(t *testing.T) {
	var calls atomic.Int32
	next := &mock.LLMGateway{
		GenerateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("503 unavailable")
			}
			return &interfaces.GenerateOutput{Text: "ok"}, nil
		},
	}

	r := llm.NewResilient(next, llm.WithBaseDelay(time.Millisecond))
	out, err := r.Generate(context.Background(), &interfaces.GenerateInput{Prompt: "x"})
	gt.NoError(t, err)
	gt.Equal(t, out.Text, "ok")
	gt.Equal(t, calls.Load(), int32(3))
}

func TestResilientGivesUp(t *testing.T) {
	var calls atomic.Int32
	next := &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			calls.Add(1)
			return nil, errors.New("connection refused")
		},
	}

	r := llm.NewResilient(next, llm.WithBaseDelay(time.Millisecond), llm.WithMaxAttempts(3))
	_, err := r.Embed(context.Background(), "x")
	gt.Error(t, err)
	gt.Equal(t, calls.Load(), int32(3))
}

func TestResilientStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	next := &mock.LLMGateway{
		ClassifyIntentFunc: func(ctx context.Context, message, priorContext string) (string, error) {
			calls.Add(1)
			return "", goerr.Wrap(llm.ErrPermanent, "too large")
		},
	}

	r := llm.NewResilient(next, llm.WithBaseDelay(time.Millisecond))
	_, err := r.ClassifyIntent(context.Background(), "x", "")
	gt.True(t, errors.Is(err, llm.ErrPermanent))
	gt.Equal(t, calls.Load(), int32(1))
}

func TestResilientTimeout(t *testing.T) {
	next := &mock.LLMGateway{
		GenerateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	r := llm.NewResilient(next,
		llm.WithTimeout(10*time.Millisecond),
		llm.WithBaseDelay(time.Millisecond),
		llm.WithMaxAttempts(2),
	)

	start := time.Now()
	_, err := r.Generate(context.Background(), &interfaces.GenerateInput{Prompt: "x"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	gt.True(t, time.Since(start) < 5*time.Second)
}

func TestEmbeddingCache(t *testing.T) {
	var calls atomic.Int32
	next := &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			calls.Add(1)
			return []float32{0.5, 0.5}, nil
		},
	}

	cache, err := llm.NewEmbeddingCache(next, 1<<20)
	gt.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	_, err = cache.Embed(ctx, "same text")
	gt.NoError(t, err)
	cache.Wait()

	vec, err := cache.Embed(ctx, "same text")
	gt.NoError(t, err)
	gt.A(t, vec).Length(2)
	gt.Equal(t, calls.Load(), int32(1))
}
