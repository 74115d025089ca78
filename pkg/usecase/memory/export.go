package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-mizutani/carebot/pkg/adapter"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

type exportedMemory struct {
	ID         model.MemoryID   `json:"id"`
	Content    string           `json:"content"`
	SessionID  model.SessionID  `json:"session_id"`
	CreatedAt  string           `json:"created_at"`
	Kind       model.MemoryKind `json:"kind"`
	SourceTag  string           `json:"source_tag"`
	Importance float64          `json:"importance"`
}

type exportedPartition struct {
	OwnerID    model.UserID      `json:"owner_id"`
	ExportedAt string            `json:"exported_at"`
	Memories   []*exportedMemory `json:"memories"`
}

// ExportKey returns the object key of an owner's export.
func ExportKey(owner model.UserID) string {
	return "memories/" + string(owner) + ".json"
}

// Export writes the owner's partition without embeddings to storage and
// returns the number of exported documents.
func (s *Store) Export(ctx context.Context, owner model.UserID, storage adapter.Storage) (int, error) {
	docs := s.List(owner)

	out := exportedPartition{
		OwnerID:    owner,
		ExportedAt: s.now().UTC().Format(time.RFC3339),
		Memories:   make([]*exportedMemory, 0, len(docs)),
	}
	for _, doc := range docs {
		out.Memories = append(out.Memories, &exportedMemory{
			ID:         doc.ID,
			Content:    doc.Content,
			SessionID:  doc.SessionID,
			CreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339),
			Kind:       doc.Kind,
			SourceTag:  doc.SourceTag,
			Importance: doc.Importance,
		})
	}

	key := ExportKey(owner)
	w, err := storage.Put(ctx, key)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to open export writer", goerr.V("key", key))
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		_ = w.Close()
		return 0, goerr.Wrap(err, "failed to encode export", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return 0, goerr.Wrap(err, "failed to close export writer", goerr.V("key", key))
	}

	return len(docs), nil
}

// Embedder produces the embedding of a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Import restores an export of owner from storage. Exports carry no
// embeddings, so every document is embedded again and inserted as a new
// document. Documents whose content already exists in the partition are
// skipped. It returns the number of inserted documents.
func (s *Store) Import(ctx context.Context, owner model.UserID, storage adapter.Storage, embedder Embedder) (int, error) {
	key := ExportKey(owner)
	r, err := storage.Get(ctx, key)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to open export", goerr.V("key", key))
	}
	defer r.Close()

	var in exportedPartition
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return 0, goerr.Wrap(err, "failed to decode export", goerr.V("key", key))
	}
	if in.OwnerID != owner {
		return 0, goerr.Wrap(model.ErrInvalidArgument, "export belongs to another owner",
			goerr.V("key", key), goerr.V("owner", in.OwnerID))
	}

	existing := make(map[string]struct{})
	for _, doc := range s.List(owner) {
		existing[doc.Content] = struct{}{}
	}

	inserted := 0
	for _, m := range in.Memories {
		if _, ok := existing[m.Content]; ok {
			continue
		}

		embedding, err := embedder.Embed(ctx, m.Content)
		if err != nil {
			return inserted, goerr.Wrap(err, "failed to embed imported memory", goerr.V("id", m.ID))
		}
		if _, err := s.Insert(ctx, InsertInput{
			Content:    m.Content,
			Embedding:  embedding,
			OwnerID:    owner,
			SessionID:  m.SessionID,
			Kind:       m.Kind,
			SourceTag:  m.SourceTag,
			Importance: m.Importance,
		}); err != nil {
			return inserted, err
		}
		existing[m.Content] = struct{}{}
		inserted++
	}

	return inserted, nil
}
