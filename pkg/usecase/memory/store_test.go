package memory_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/carebot/pkg/mock"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/repository"
	"github.com/m-mizutani/carebot/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
)

// vectorAt returns a unit vector whose cosine similarity to [1, 0] is sim.
func vectorAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestSearchRanking(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	owner := model.NewUserID()

	inputs := []struct {
		content    string
		sim        float64
		importance float64
	}{
		{"high similarity", 0.9, 1.0},
		{"medium similarity", 0.4, 0.5},
		{"low similarity", 0.2, 0.9},
	}
	for _, in := range inputs {
		_, err := store.Insert(ctx, memory.InsertInput{
			Content:    in.content,
			Embedding:  vectorAt(in.sim),
			OwnerID:    owner,
			Importance: in.importance,
		})
		gt.NoError(t, err)
	}

	results, err := store.Search(ctx, owner, []float32{1, 0}, memory.WithTopK(5))
	gt.NoError(t, err)
	gt.A(t, results).Length(2)

	gt.Equal(t, results[0].Document.Content, "high similarity")
	gt.True(t, math.Abs(results[0].Relevance-0.9) < 1e-6)
	gt.Equal(t, results[1].Document.Content, "medium similarity")
	gt.True(t, math.Abs(results[1].Relevance-0.2) < 1e-6)
}

func TestSearchThresholdIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	owner := model.NewUserID()

	_, err := store.Insert(ctx, memory.InsertInput{
		Content: "same direction", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 1,
	})
	gt.NoError(t, err)

	results, err := store.Search(ctx, owner, []float32{1, 0}, memory.WithThreshold(1.0))
	gt.NoError(t, err)
	gt.A(t, results).Length(0)

	results, err = store.Search(ctx, owner, []float32{1, 0}, memory.WithThreshold(0.99))
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
}

func TestSearchTieBreaksByRecency(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base}
	store := memory.New(repository.NewMemory(), memory.WithClock(clock.Now))
	owner := model.NewUserID()

	clock.Set(base)
	_, err := store.Insert(ctx, memory.InsertInput{Content: "older", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 0.5})
	gt.NoError(t, err)
	clock.Set(base.Add(time.Hour))
	_, err = store.Insert(ctx, memory.InsertInput{Content: "newer", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 0.5})
	gt.NoError(t, err)

	results, err := store.Search(ctx, owner, []float32{1, 0})
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].Document.Content, "newer")
	gt.Equal(t, results[1].Document.Content, "older")
}

func TestSearchTopKAndIsolation(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	alice := model.NewUserID()
	bob := model.NewUserID()

	for i := 0; i < 5; i++ {
		_, err := store.Insert(ctx, memory.InsertInput{
			Content: fmt.Sprintf("alice %d", i), Embedding: []float32{1, 0}, OwnerID: alice, Importance: 0.5,
		})
		gt.NoError(t, err)
	}

	results, err := store.Search(ctx, alice, []float32{1, 0}, memory.WithTopK(3))
	gt.NoError(t, err)
	gt.A(t, results).Length(3)

	results, err = store.Search(ctx, bob, []float32{1, 0})
	gt.NoError(t, err)
	gt.A(t, results).Length(0)
}

func TestSearchQueryWithWrongDimension(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	owner := model.NewUserID()

	_, err := store.Insert(ctx, memory.InsertInput{Content: "doc", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 1})
	gt.NoError(t, err)

	results, err := store.Search(ctx, owner, []float32{1, 0, 0})
	gt.NoError(t, err)
	gt.A(t, results).Length(0)
}

func TestInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("importance is clamped", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		doc, err := store.Insert(ctx, memory.InsertInput{
			Content: "x", Embedding: []float32{1, 0}, OwnerID: model.NewUserID(), Importance: 1.7,
		})
		gt.NoError(t, err)
		gt.Equal(t, doc.Importance, 1.0)
		gt.Equal(t, doc.Kind, model.MemoryKindConversation)
	})

	t.Run("dimension is fixed by the first insert", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		owner := model.NewUserID()
		_, err := store.Insert(ctx, memory.InsertInput{Content: "a", Embedding: []float32{1, 0}, OwnerID: owner})
		gt.NoError(t, err)

		_, err = store.Insert(ctx, memory.InsertInput{Content: "b", Embedding: []float32{1, 0, 0}, OwnerID: model.NewUserID()})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
		gt.Equal(t, store.Dimension(), 2)
	})

	t.Run("configured dimension", func(t *testing.T) {
		store := memory.New(repository.NewMemory(), memory.WithDimension(3))
		_, err := store.Insert(ctx, memory.InsertInput{Content: "a", Embedding: []float32{1, 0}, OwnerID: model.NewUserID()})
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
	})

	t.Run("missing fields", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		_, err := store.Insert(ctx, memory.InsertInput{Content: "a", Embedding: []float32{1}})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		_, err = store.Insert(ctx, memory.InsertInput{Content: " ", Embedding: []float32{1}, OwnerID: "u"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		_, err = store.Insert(ctx, memory.InsertInput{Content: "a", OwnerID: "u"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		_, err = store.Insert(ctx, memory.InsertInput{Content: "a", Embedding: []float32{1}, OwnerID: "u", Kind: "episodic"})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
	})

	t.Run("duplicate content is allowed", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		owner := model.NewUserID()
		a, err := store.Insert(ctx, memory.InsertInput{Content: "same", Embedding: []float32{1}, OwnerID: owner})
		gt.NoError(t, err)
		b, err := store.Insert(ctx, memory.InsertInput{Content: "same", Embedding: []float32{1}, OwnerID: owner})
		gt.NoError(t, err)
		gt.NotEqual(t, a.ID, b.ID)
		gt.A(t, store.List(owner)).Length(2)
	})
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{}
	store := memory.New(repository.NewMemory(), memory.WithClock(clock.Now))
	owner := model.NewUserID()

	for _, age := range []int{5, 29, 31, 40} {
		clock.Set(now.Add(-time.Duration(age) * 24 * time.Hour))
		_, err := store.Insert(ctx, memory.InsertInput{
			Content: fmt.Sprintf("%d days old", age), Embedding: []float32{1, 0}, OwnerID: owner, Importance: 0.5,
		})
		gt.NoError(t, err)
	}
	clock.Set(now)

	removed, err := store.Cleanup(ctx, owner, 30)
	gt.NoError(t, err)
	gt.Equal(t, removed, 2)

	remaining := store.List(owner)
	gt.A(t, remaining).Length(2)
	gt.Equal(t, remaining[0].Content, "5 days old")
	gt.Equal(t, remaining[1].Content, "29 days old")

	removed, err = store.Cleanup(ctx, owner, 30)
	gt.NoError(t, err)
	gt.Equal(t, removed, 0)
}

func TestCleanupBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now.Add(-30 * 24 * time.Hour)}
	store := memory.New(repository.NewMemory(), memory.WithClock(clock.Now))
	owner := model.NewUserID()

	_, err := store.Insert(ctx, memory.InsertInput{Content: "exactly 30 days", Embedding: []float32{1}, OwnerID: owner})
	gt.NoError(t, err)
	clock.Set(now)

	removed, err := store.Cleanup(ctx, owner, 30)
	gt.NoError(t, err)
	gt.Equal(t, removed, 1)

	_, err = store.Cleanup(ctx, owner, -1)
	gt.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func TestCleanupAll(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now.Add(-60 * 24 * time.Hour)}
	store := memory.New(repository.NewMemory(), memory.WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		_, err := store.Insert(ctx, memory.InsertInput{Content: "old", Embedding: []float32{1}, OwnerID: model.NewUserID()})
		gt.NoError(t, err)
	}
	clock.Set(now)

	removed, err := store.CleanupAll(ctx, 30)
	gt.NoError(t, err)
	gt.Equal(t, removed, 3)
}

func TestDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := memory.New(repo)
	owner := model.NewUserID()

	a, err := store.Insert(ctx, memory.InsertInput{Content: "a", Embedding: []float32{1}, OwnerID: owner})
	gt.NoError(t, err)
	_, err = store.Insert(ctx, memory.InsertInput{Content: "b", Embedding: []float32{1}, OwnerID: owner})
	gt.NoError(t, err)

	gt.NoError(t, store.Delete(ctx, a.ID))
	_, err = store.Get(a.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.True(t, errors.Is(store.Delete(ctx, a.ID), model.ErrNotFound))

	stored, err := repo.ListMemories(ctx, owner)
	gt.NoError(t, err)
	gt.A(t, stored).Length(1)

	n, err := store.Purge(ctx, owner)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)
	gt.A(t, store.List(owner)).Length(0)

	stored, err = repo.ListMemories(ctx, owner)
	gt.NoError(t, err)
	gt.A(t, stored).Length(0)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	owner := model.NewUserID()

	first := memory.New(repo)
	doc, err := first.Insert(ctx, memory.InsertInput{Content: "persisted", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 1})
	gt.NoError(t, err)

	second := memory.New(repo)
	gt.NoError(t, second.Load(ctx))

	got, err := second.Get(doc.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, "persisted")
	gt.Equal(t, second.Dimension(), 2)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	owners := []model.UserID{model.NewUserID(), model.NewUserID(), model.NewUserID()}

	var wg sync.WaitGroup
	for _, owner := range owners {
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(owner model.UserID) {
				defer wg.Done()
				_, err := store.Insert(ctx, memory.InsertInput{Content: "c", Embedding: []float32{1, 0}, OwnerID: owner, Importance: 0.5})
				gt.NoError(t, err)
			}(owner)
			go func(owner model.UserID) {
				defer wg.Done()
				_, err := store.Search(ctx, owner, []float32{1, 0})
				gt.NoError(t, err)
			}(owner)
		}
	}
	wg.Wait()

	for _, owner := range owners {
		gt.A(t, store.List(owner)).Length(20)
	}
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()

	t.Run("stores with intent-aware importance", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		gateway := &mock.LLMGateway{
			EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
				return []float32{1, 0}, nil
			},
		}
		rec := memory.NewRecorder(store, gateway)
		owner := model.NewUserID()

		doc := rec.Record(ctx, memory.RecordInput{
			OwnerID:  owner,
			Role:     model.RoleUser,
			Category: model.IntentBooking,
			Content:  "book me in",
		})
		gt.V(t, doc).NotNil()
		gt.Equal(t, doc.Importance, 1.0)
		gt.Equal(t, doc.SourceTag, "user")
	})

	t.Run("embedding failure is swallowed", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		gateway := &mock.LLMGateway{
			EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
				return nil, errors.New("embedding service down")
			},
		}
		rec := memory.NewRecorder(store, gateway)
		owner := model.NewUserID()

		doc := rec.Record(ctx, memory.RecordInput{OwnerID: owner, Role: model.RoleUser, Content: "hello"})
		gt.Nil(t, doc)
		gt.A(t, store.List(owner)).Length(0)
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())
	storage := mock.NewStorage()
	owner := model.NewUserID()

	_, err := store.Insert(ctx, memory.InsertInput{Content: "remember me", Embedding: []float32{1, 0}, OwnerID: owner, Kind: model.MemoryKindKnowledge})
	gt.NoError(t, err)

	n, err := store.Export(ctx, owner, storage)
	gt.NoError(t, err)
	gt.Equal(t, n, 1)

	data, ok := storage.Objects[memory.ExportKey(owner)]
	gt.True(t, ok)

	var out struct {
		OwnerID  string `json:"owner_id"`
		Memories []struct {
			Content string `json:"content"`
			Kind    string `json:"kind"`
		} `json:"memories"`
	}
	gt.NoError(t, json.Unmarshal(data, &out))
	gt.Equal(t, out.OwnerID, string(owner))
	gt.A(t, out.Memories).Length(1)
	gt.Equal(t, out.Memories[0].Content, "remember me")
	gt.Equal(t, out.Memories[0].Kind, "knowledge")
	gt.S(t, string(data)).NotContains("embedding")
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	storage := mock.NewStorage()
	owner := model.NewUserID()

	src := memory.New(repository.NewMemory())
	_, err := src.Insert(ctx, memory.InsertInput{Content: "Allergic to penicillin", Embedding: []float32{1, 0}, OwnerID: owner, Kind: model.MemoryKindKnowledge, SourceTag: "api", Importance: 0.9})
	gt.NoError(t, err)
	_, err = src.Insert(ctx, memory.InsertInput{Content: "Booked Dr. Heart", Embedding: []float32{0, 1}, OwnerID: owner, Kind: model.MemoryKindStructured, SourceTag: "booking", Importance: 1})
	gt.NoError(t, err)
	_, err = src.Export(ctx, owner, storage)
	gt.NoError(t, err)

	embedded := 0
	gw := &mock.LLMGateway{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			embedded++
			return []float32{0.5, 0.5}, nil
		},
	}

	dst := memory.New(repository.NewMemory())
	n, err := dst.Import(ctx, owner, storage, gw)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)
	gt.Equal(t, embedded, 2)

	docs := dst.List(owner)
	gt.A(t, docs).Length(2)
	byContent := map[string]*model.MemoryDocument{}
	for _, d := range docs {
		byContent[d.Content] = d
	}
	gt.Equal(t, byContent["Allergic to penicillin"].Kind, model.MemoryKindKnowledge)
	gt.Equal(t, byContent["Allergic to penicillin"].SourceTag, "api")
	gt.Equal(t, byContent["Booked Dr. Heart"].Importance, 1.0)

	t.Run("second import skips existing content", func(t *testing.T) {
		n, err := dst.Import(ctx, owner, storage, gw)
		gt.NoError(t, err)
		gt.Equal(t, n, 0)
		gt.A(t, dst.List(owner)).Length(2)
	})

	t.Run("missing export", func(t *testing.T) {
		_, err := dst.Import(ctx, model.NewUserID(), storage, gw)
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestNonFiniteValues(t *testing.T) {
	ctx := context.Background()
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	t.Run("embedding is rejected", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		for _, emb := range [][]float32{{nan, 0}, {0, inf}, {float32(math.Inf(-1)), 1}} {
			_, err := store.Insert(ctx, memory.InsertInput{Content: "x", Embedding: emb, OwnerID: "u1"})
			gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		}
		gt.A(t, store.List("u1")).Length(0)
		gt.Equal(t, store.Dimension(), 0)
	})

	t.Run("NaN importance is stored as zero", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		doc, err := store.Insert(ctx, memory.InsertInput{Content: "x", Embedding: []float32{1, 0}, OwnerID: "u1", Importance: math.NaN()})
		gt.NoError(t, err)
		gt.Equal(t, doc.Importance, 0.0)
	})

	t.Run("query is rejected", func(t *testing.T) {
		store := memory.New(repository.NewMemory())
		_, err := store.Insert(ctx, memory.InsertInput{Content: "x", Embedding: []float32{1, 0}, OwnerID: "u1", Importance: 1})
		gt.NoError(t, err)

		results, err := store.Search(ctx, "u1", []float32{nan, 0})
		gt.True(t, errors.Is(err, model.ErrInvalidArgument))
		gt.A(t, results).Length(0)
	})
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.New(repository.NewMemory())

	inserted, err := store.Insert(ctx, memory.InsertInput{Content: "original", Embedding: []float32{1, 0}, OwnerID: "u1", Importance: 1})
	gt.NoError(t, err)
	inserted.Content = "changed by insert caller"

	listed := store.List("u1")
	gt.A(t, listed).Length(1)
	gt.Equal(t, listed[0].Content, "original")
	listed[0].Content = "changed by list caller"
	listed[0].Embedding[0] = -1

	results, err := store.Search(ctx, "u1", []float32{1, 0})
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
	gt.Equal(t, results[0].Document.Content, "original")
	results[0].Document.Importance = 0

	got, err := store.Get(inserted.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, "original")
	gt.Equal(t, got.Embedding[0], float32(1))
	gt.Equal(t, got.Importance, 1.0)
}
