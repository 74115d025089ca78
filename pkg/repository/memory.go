package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/m-mizutani/carebot/pkg/model"
)

// Memory is an in-process MemoryRepository. Nothing survives a restart.
type Memory struct {
	mu   sync.RWMutex
	docs map[model.UserID]map[model.MemoryID]*model.MemoryDocument
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[model.UserID]map[model.MemoryID]*model.MemoryDocument),
	}
}

func (r *Memory) PutMemory(ctx context.Context, doc *model.MemoryDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.docs[doc.OwnerID]
	if !ok {
		p = make(map[model.MemoryID]*model.MemoryDocument)
		r.docs[doc.OwnerID] = p
	}
	p[doc.ID] = doc
	return nil
}

func (r *Memory) ListMemories(ctx context.Context, owner model.UserID) ([]*model.MemoryDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make([]*model.MemoryDocument, 0, len(r.docs[owner]))
	for _, doc := range r.docs[owner] {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (r *Memory) ListOwners(ctx context.Context) ([]model.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make([]model.UserID, 0, len(r.docs))
	for owner, p := range r.docs {
		if len(p) > 0 {
			owners = append(owners, owner)
		}
	}
	return owners, nil
}

func (r *Memory) DeleteMemory(ctx context.Context, owner model.UserID, id model.MemoryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.docs[owner], id)
	return nil
}
