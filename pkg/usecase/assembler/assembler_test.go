package assembler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/mock"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/repository"
	"github.com/m-mizutani/carebot/pkg/usecase/assembler"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
)

func embedAll(vec []float32) *mock.LLMGateway {
	return &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return vec, nil
		},
	}
}

func TestAssemble(t *testing.T) {
	ctx := context.Background()
	owner := model.NewUserID()
	session := model.NewSessionID()

	created := time.Date(2025, 4, 2, 10, 30, 0, 0, time.UTC)
	store := memory.New(repository.NewMemory(), memory.WithClock(func() time.Time { return created }))
	_, err := store.Insert(ctx, memory.InsertInput{
		Content: "prefers morning appointments", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 0.9,
	})
	gt.NoError(t, err)

	sessions := &mock.SessionStore{
		GetRecentTranscriptFunc: func(ctx context.Context, s model.SessionID, limit int) (string, error) {
			gt.Equal(t, s, session)
			gt.Equal(t, limit, assembler.DefaultTranscriptLimit)
			return "user: hello\nassistant: hi", nil
		},
	}
	profiles := &mock.ProfileStore{
		GetPreferencesFunc: func(ctx context.Context, user model.UserID) (map[string]string, error) {
			return map[string]string{"language": "en", "doctor": "Dr. Sato"}, nil
		},
		GetSummaryFunc: func(ctx context.Context, s model.SessionID) (string, error) {
			return "patient asked about cardiology", nil
		},
	}

	a := assembler.New(embedAll([]float32{1, 0}), store, sessions, profiles)
	bundle := a.Assemble(ctx, owner, session, "any morning slots?", model.CapAll)

	gt.Equal(t, bundle.RecentTranscript, "user: hello\nassistant: hi")
	gt.Equal(t, bundle.RelevantHistory, "[2025-04-02 10:30] prefers morning appointments")
	gt.Equal(t, bundle.PreferencesSnapshot, "doctor: Dr. Sato\nlanguage: en")
	gt.Equal(t, bundle.RollingSummary, "patient asked about cardiology")
}

func TestAssembleWithoutRecallCapability(t *testing.T) {
	var embedded atomic.Bool
	gateway := &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			embedded.Store(true)
			return []float32{1}, nil
		},
	}

	a := assembler.New(gateway, memory.New(repository.NewMemory()), &mock.SessionStore{}, &mock.ProfileStore{})
	bundle := a.Assemble(context.Background(), "u", "s", "q", model.CapAll.Without(model.CapMemoryRecall))
	gt.Equal(t, bundle.RelevantHistory, "")
	gt.False(t, embedded.Load())
}

func TestAssembleEmbeddingFailureDegrades(t *testing.T) {
	gateway := &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("embedding down")
		},
	}
	sessions := &mock.SessionStore{
		GetRecentTranscriptFunc: func(ctx context.Context, s model.SessionID, limit int) (string, error) {
			return "user: hi", nil
		},
	}

	a := assembler.New(gateway, memory.New(repository.NewMemory()), sessions, &mock.ProfileStore{})
	bundle := a.Assemble(context.Background(), "u", "s", "q", model.CapAll)
	gt.Equal(t, bundle.RelevantHistory, "")
	gt.Equal(t, bundle.RecentTranscript, "user: hi")
}

func TestAssembleFailureReturnsEmptyBundle(t *testing.T) {
	sessions := &mock.SessionStore{
		GetRecentTranscriptFunc: func(ctx context.Context, s model.SessionID, limit int) (string, error) {
			return "", errors.New("db locked")
		},
	}
	profiles := &mock.ProfileStore{
		GetSummaryFunc: func(ctx context.Context, s model.SessionID) (string, error) {
			return "should not leak", nil
		},
	}

	a := assembler.New(embedAll([]float32{1}), memory.New(repository.NewMemory()), sessions, profiles)
	bundle := a.Assemble(context.Background(), "u", "s", "q", model.CapAll)
	gt.V(t, bundle).NotNil()
	gt.True(t, bundle.IsEmpty())
}

func TestBuildEnhancedPrompt(t *testing.T) {
	bundle := &model.ContextBundle{
		RecentTranscript:    "user: hi",
		RelevantHistory:     "[2025-01-01 09:00] booked dermatology",
		PreferencesSnapshot: "language: en",
		RollingSummary:      "returning patient",
	}

	p1 := assembler.BuildEnhancedPrompt(bundle, "can I reschedule?", "booking")
	p2 := assembler.BuildEnhancedPrompt(bundle, "can I reschedule?", "booking")
	gt.Equal(t, p1, p2)

	for _, s := range []string{"user: hi", "booked dermatology", "language: en", "returning patient", "can I reschedule?", "booking"} {
		gt.S(t, p1).Contains(s)
	}

	empty := assembler.BuildEnhancedPrompt(nil, "hello", "general")
	gt.S(t, empty).Contains("(none)")
	gt.S(t, empty).Contains("hello")
}

func messages(n int) []*model.Message {
	msgs := make([]*model.Message, n)
	for i := range msgs {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		msgs[i] = &model.Message{Role: role, Content: fmt.Sprintf("message %d", i)}
	}
	return msgs
}

func TestRefreshSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("fewer than five messages is a no-op", func(t *testing.T) {
		gateway := &mock.LLMGateway{}
		sessions := &mock.SessionStore{
			ListRecentMessagesFunc: func(ctx context.Context, s model.SessionID, limit int) ([]*model.Message, error) {
				return messages(4), nil
			},
		}
		var stored bool
		profiles := &mock.ProfileStore{
			PutSummaryFunc: func(ctx context.Context, user model.UserID, s model.SessionID, summary string) error {
				stored = true
				return nil
			},
		}

		a := assembler.New(gateway, memory.New(repository.NewMemory()), sessions, profiles)
		gt.NoError(t, a.RefreshSummary(ctx, "u", "s"))
		gt.False(t, stored)
	})

	t.Run("summarizes recent messages", func(t *testing.T) {
		var prompt string
		gateway := &mock.LLMGateway{
			GenerateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
				prompt = input.Prompt
				return &interfaces.GenerateOutput{Text: "  new summary  "}, nil
			},
		}
		sessions := &mock.SessionStore{
			ListRecentMessagesFunc: func(ctx context.Context, s model.SessionID, limit int) ([]*model.Message, error) {
				gt.Equal(t, limit, 10)
				return messages(6), nil
			},
		}
		var stored string
		profiles := &mock.ProfileStore{
			GetSummaryFunc: func(ctx context.Context, s model.SessionID) (string, error) {
				return "old summary", nil
			},
			PutSummaryFunc: func(ctx context.Context, user model.UserID, s model.SessionID, summary string) error {
				stored = summary
				return nil
			},
		}

		a := assembler.New(gateway, memory.New(repository.NewMemory()), sessions, profiles)
		gt.NoError(t, a.RefreshSummary(ctx, "u", "s"))
		gt.Equal(t, stored, "new summary")
		gt.S(t, prompt).Contains("old summary")
		gt.S(t, prompt).Contains("assistant: message 5")
	})

	t.Run("generation failure", func(t *testing.T) {
		gateway := &mock.LLMGateway{
			GenerateFunc: func(ctx context.Context, input *interfaces.GenerateInput) (*interfaces.GenerateOutput, error) {
				return nil, errors.New("quota")
			},
		}
		sessions := &mock.SessionStore{
			ListRecentMessagesFunc: func(ctx context.Context, s model.SessionID, limit int) ([]*model.Message, error) {
				return messages(8), nil
			},
		}

		a := assembler.New(gateway, memory.New(repository.NewMemory()), sessions, &mock.ProfileStore{})
		err := a.RefreshSummary(ctx, "u", "s")
		gt.True(t, errors.Is(err, model.ErrGeneration))
	})
}

type countingRefresher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (r *countingRefresher) RefreshSummary(ctx context.Context, owner model.UserID, session model.SessionID) error {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func TestAsyncRefresher(t *testing.T) {
	next := &countingRefresher{release: make(chan struct{})}
	async := assembler.NewAsyncRefresher(next, time.Second)

	ctx := context.Background()
	gt.NoError(t, async.RefreshSummary(ctx, "u", "s1"))
	gt.NoError(t, async.RefreshSummary(ctx, "u", "s1"))
	gt.NoError(t, async.RefreshSummary(ctx, "u", "s2"))

	close(next.release)
	async.Close()

	gt.Equal(t, next.calls, 2)
}

func TestFormatHistoryOrder(t *testing.T) {
	results := []*memory.SearchResult{
		{Document: &model.MemoryDocument{Content: "first", CreatedAt: time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)}},
		{Document: &model.MemoryDocument{Content: "second", CreatedAt: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)}},
	}
	got := assembler.FormatHistory(results)
	gt.Equal(t, strings.Split(got, "\n")[0], "[2025-01-02 03:04] first")
	gt.Equal(t, strings.Split(got, "\n")[1], "[2024-01-02 03:04] second")
}
