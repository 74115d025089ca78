package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultThreshold = 0.3
	day              = 24 * time.Hour
)

// partition holds all documents of one owner.
type partition struct {
	mu   sync.RWMutex
	docs map[model.MemoryID]*model.MemoryDocument
}

// Store is the per-user semantic memory. Documents are indexed in process
// and written through to the repository.
type Store struct {
	repo interfaces.MemoryRepository
	now  func() time.Time

	partitionsMu sync.RWMutex
	partitions   map[model.UserID]*partition

	// index maps every document to its owner for deletion by id
	indexMu sync.RWMutex
	index   map[model.MemoryID]model.UserID

	dimMu sync.Mutex
	dim   int
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithDimension fixes the embedding length instead of taking it from the
// first inserted document.
func WithDimension(n int) Option {
	return func(s *Store) {
		s.dim = n
	}
}

func New(repo interfaces.MemoryRepository, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		now:        time.Now,
		partitions: make(map[model.UserID]*partition),
		index:      make(map[model.MemoryID]model.UserID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load rebuilds the in-process index from the repository.
func (s *Store) Load(ctx context.Context) error {
	owners, err := s.repo.ListOwners(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list memory owners")
	}

	total := 0
	for _, owner := range owners {
		docs, err := s.repo.ListMemories(ctx, owner)
		if err != nil {
			return goerr.Wrap(err, "failed to list memories", goerr.V("owner", owner))
		}

		p := s.getPartition(owner)
		p.mu.Lock()
		for _, doc := range docs {
			if err := s.checkDimension(len(doc.Embedding)); err != nil {
				logging.From(ctx).Warn("skip memory with unexpected dimension",
					"id", doc.ID, "owner", owner, "dim", len(doc.Embedding))
				continue
			}
			p.docs[doc.ID] = doc
			s.setIndex(doc.ID, owner)
			total++
		}
		p.mu.Unlock()
	}

	logging.From(ctx).Info("memory index loaded", "owners", len(owners), "documents", total)
	return nil
}

func (s *Store) getPartition(owner model.UserID) *partition {
	s.partitionsMu.RLock()
	p, ok := s.partitions[owner]
	s.partitionsMu.RUnlock()
	if ok {
		return p
	}

	s.partitionsMu.Lock()
	defer s.partitionsMu.Unlock()
	if p, ok := s.partitions[owner]; ok {
		return p
	}
	p = &partition{docs: make(map[model.MemoryID]*model.MemoryDocument)}
	s.partitions[owner] = p
	return p
}

func (s *Store) lookupPartition(owner model.UserID) (*partition, bool) {
	s.partitionsMu.RLock()
	defer s.partitionsMu.RUnlock()
	p, ok := s.partitions[owner]
	return p, ok
}

func (s *Store) setIndex(id model.MemoryID, owner model.UserID) {
	s.indexMu.Lock()
	s.index[id] = owner
	s.indexMu.Unlock()
}

func (s *Store) dropIndex(id model.MemoryID) {
	s.indexMu.Lock()
	delete(s.index, id)
	s.indexMu.Unlock()
}

func (s *Store) checkDimension(n int) error {
	s.dimMu.Lock()
	defer s.dimMu.Unlock()

	if s.dim == 0 {
		s.dim = n
		return nil
	}
	if s.dim != n {
		return goerr.Wrap(model.ErrDimensionMismatch, "embedding length differs from store dimension",
			goerr.V("expected", s.dim), goerr.V("actual", n))
	}
	return nil
}

// Dimension returns the fixed embedding length, or 0 before the first insert.
func (s *Store) Dimension() int {
	s.dimMu.Lock()
	defer s.dimMu.Unlock()
	return s.dim
}

type InsertInput struct {
	Content    string
	Embedding  []float32
	OwnerID    model.UserID
	SessionID  model.SessionID
	Kind       model.MemoryKind
	SourceTag  string
	Importance float64
}

// Insert adds a new document to the owner's partition.
func (s *Store) Insert(ctx context.Context, input InsertInput) (*model.MemoryDocument, error) {
	if input.OwnerID == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "owner is required")
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "content is required")
	}
	if len(input.Embedding) == 0 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "embedding is required")
	}
	if !model.Finite(input.Embedding) {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "embedding has a non-finite value", goerr.V("owner", input.OwnerID))
	}
	kind := input.Kind
	if kind == "" {
		kind = model.MemoryKindConversation
	}
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkDimension(len(input.Embedding)); err != nil {
		return nil, err
	}

	doc := &model.MemoryDocument{
		ID:         model.NewMemoryID(),
		Content:    input.Content,
		Embedding:  append([]float32(nil), input.Embedding...),
		OwnerID:    input.OwnerID,
		SessionID:  input.SessionID,
		CreatedAt:  s.now(),
		Kind:       kind,
		SourceTag:  input.SourceTag,
		Importance: model.ClampImportance(input.Importance),
	}

	p := s.getPartition(input.OwnerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := s.repo.PutMemory(ctx, doc); err != nil {
		return nil, goerr.Wrap(err, "failed to put memory", goerr.V("owner", doc.OwnerID))
	}
	p.docs[doc.ID] = doc
	s.setIndex(doc.ID, doc.OwnerID)

	return doc.Clone(), nil
}

// SearchResult is one ranked document.
type SearchResult struct {
	Document   *model.MemoryDocument
	Similarity float64
	Relevance  float64
}

type searchConfig struct {
	threshold float64
	topK      int
}

type SearchOption func(*searchConfig)

// WithThreshold sets the similarity cut-off. Documents at or below it are
// discarded.
func WithThreshold(v float64) SearchOption {
	return func(c *searchConfig) {
		c.threshold = v
	}
}

// WithTopK limits the number of results. Zero or less means no limit.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		c.topK = k
	}
}

// Search ranks the owner's documents by similarity to query weighted by
// importance.
func (s *Store) Search(ctx context.Context, owner model.UserID, query []float32, opts ...SearchOption) ([]*SearchResult, error) {
	cfg := searchConfig{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !model.Finite(query) {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "query has a non-finite value", goerr.V("owner", owner))
	}

	p, ok := s.lookupPartition(owner)
	if !ok {
		return nil, nil
	}

	p.mu.RLock()
	results := make([]*SearchResult, 0, len(p.docs))
	for _, doc := range p.docs {
		sim := CosineSimilarity(query, doc.Embedding)
		if sim <= cfg.threshold {
			continue
		}
		results = append(results, &SearchResult{
			Document:   doc.Clone(),
			Similarity: sim,
			Relevance:  sim * doc.Importance,
		})
	}
	p.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Relevance != b.Relevance {
			return a.Relevance > b.Relevance
		}
		if !a.Document.CreatedAt.Equal(b.Document.CreatedAt) {
			return a.Document.CreatedAt.After(b.Document.CreatedAt)
		}
		return a.Document.ID < b.Document.ID
	})

	if cfg.topK > 0 && len(results) > cfg.topK {
		results = results[:cfg.topK]
	}
	return results, nil
}

// Cleanup deletes the owner's documents created at or before
// maxAgeDays ago and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, owner model.UserID, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, goerr.Wrap(model.ErrInvalidArgument, "maxAgeDays must not be negative", goerr.V("maxAgeDays", maxAgeDays))
	}

	cutoff := s.now().Add(-time.Duration(maxAgeDays) * day)
	return s.removeWhere(ctx, owner, func(doc *model.MemoryDocument) bool {
		return !doc.CreatedAt.After(cutoff)
	})
}

// CleanupAll applies Cleanup to every known partition.
func (s *Store) CleanupAll(ctx context.Context, maxAgeDays int) (int, error) {
	total := 0
	for _, owner := range s.Owners() {
		n, err := s.Cleanup(ctx, owner, maxAgeDays)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Purge removes every document of the owner.
func (s *Store) Purge(ctx context.Context, owner model.UserID) (int, error) {
	return s.removeWhere(ctx, owner, func(*model.MemoryDocument) bool { return true })
}

func (s *Store) removeWhere(ctx context.Context, owner model.UserID, match func(*model.MemoryDocument) bool) (int, error) {
	p, ok := s.lookupPartition(owner)
	if !ok {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, doc := range p.docs {
		if !match(doc) {
			continue
		}
		if err := s.repo.DeleteMemory(ctx, owner, id); err != nil {
			return removed, goerr.Wrap(err, "failed to delete memory", goerr.V("id", id), goerr.V("owner", owner))
		}
		delete(p.docs, id)
		s.dropIndex(id)
		removed++
	}

	return removed, nil
}

// Delete removes a single document by id.
func (s *Store) Delete(ctx context.Context, id model.MemoryID) error {
	s.indexMu.RLock()
	owner, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	p := s.getPartition(owner)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.docs[id]; !ok {
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err := s.repo.DeleteMemory(ctx, owner, id); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
	}
	delete(p.docs, id)
	s.dropIndex(id)
	return nil
}

// Get returns a copy of a document by id.
func (s *Store) Get(id model.MemoryID) (*model.MemoryDocument, error) {
	s.indexMu.RLock()
	owner, ok := s.index[id]
	s.indexMu.RUnlock()
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	p := s.getPartition(owner)
	p.mu.RLock()
	defer p.mu.RUnlock()
	doc, ok := p.docs[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	return doc.Clone(), nil
}

// List returns copies of the owner's documents, newest first.
func (s *Store) List(owner model.UserID) []*model.MemoryDocument {
	p, ok := s.lookupPartition(owner)
	if !ok {
		return nil
	}

	p.mu.RLock()
	docs := make([]*model.MemoryDocument, 0, len(p.docs))
	for _, doc := range p.docs {
		docs = append(docs, doc.Clone())
	}
	p.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	return docs
}

// Owners returns the owners that currently have a partition.
func (s *Store) Owners() []model.UserID {
	s.partitionsMu.RLock()
	defer s.partitionsMu.RUnlock()

	owners := make([]model.UserID, 0, len(s.partitions))
	for owner := range s.partitions {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}
