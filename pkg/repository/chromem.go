package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/philippgille/chromem-go"
)

const chromemCollectionPrefix = "memory-"

// Chromem keeps memories in chromem-go collections, one per owner. With a
// persistent DB the collections survive restarts.
type Chromem struct {
	db        *chromem.DB
	dimension int
}

var _ interfaces.MemoryRepository = &Chromem{}

// NewChromem wraps db. dimension is the embedding length, required to list
// documents of a collection.
func NewChromem(db *chromem.DB, dimension int) (*Chromem, error) {
	if dimension <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidArgument, "dimension must be positive", goerr.V("dimension", dimension))
	}
	return &Chromem{db: db, dimension: dimension}, nil
}

// NewPersistentChromem opens a chromem DB stored under dir.
func NewPersistentChromem(dir string, dimension int) (*Chromem, error) {
	db, err := chromem.NewPersistentDB(dir, true)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem db", goerr.V("dir", dir))
	}
	return NewChromem(db, dimension)
}

func collectionName(owner model.UserID) string {
	return chromemCollectionPrefix + string(owner)
}

func (r *Chromem) collection(owner model.UserID) (*chromem.Collection, error) {
	col, err := r.db.GetOrCreateCollection(collectionName(owner), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get collection", goerr.V("owner", owner))
	}
	return col, nil
}

func (r *Chromem) PutMemory(ctx context.Context, doc *model.MemoryDocument) error {
	if len(doc.Embedding) != r.dimension {
		return goerr.Wrap(model.ErrDimensionMismatch, "embedding length differs from repository dimension",
			goerr.V("expected", r.dimension), goerr.V("actual", len(doc.Embedding)))
	}

	col, err := r.collection(doc.OwnerID)
	if err != nil {
		return err
	}

	if err := col.AddDocument(ctx, chromem.Document{
		ID:        string(doc.ID),
		Content:   doc.Content,
		Embedding: append([]float32(nil), doc.Embedding...),
		Metadata:  toChromemMetadata(doc),
	}); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("id", doc.ID))
	}
	return nil
}

func (r *Chromem) ListMemories(ctx context.Context, owner model.UserID) ([]*model.MemoryDocument, error) {
	col := r.db.GetCollection(collectionName(owner), nil)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}

	// every document is returned when nResults equals the collection size
	probe := make([]float32, r.dimension)
	probe[0] = 1
	results, err := col.QueryEmbedding(ctx, probe, col.Count(), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list documents", goerr.V("owner", owner))
	}

	docs := make([]*model.MemoryDocument, 0, len(results))
	for _, res := range results {
		doc, err := fromChromemMetadata(res.ID, res.Content, res.Embedding, res.Metadata)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *Chromem) ListOwners(ctx context.Context) ([]model.UserID, error) {
	var owners []model.UserID
	for name, col := range r.db.ListCollections() {
		if !strings.HasPrefix(name, chromemCollectionPrefix) || col.Count() == 0 {
			continue
		}
		owners = append(owners, model.UserID(strings.TrimPrefix(name, chromemCollectionPrefix)))
	}
	return owners, nil
}

func (r *Chromem) DeleteMemory(ctx context.Context, owner model.UserID, id model.MemoryID) error {
	col := r.db.GetCollection(collectionName(owner), nil)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, string(id)); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V("id", id))
	}
	return nil
}

func toChromemMetadata(doc *model.MemoryDocument) map[string]string {
	return map[string]string{
		"owner_id":   string(doc.OwnerID),
		"session_id": string(doc.SessionID),
		"created_at": doc.CreatedAt.UTC().Format(time.RFC3339Nano),
		"kind":       string(doc.Kind),
		"source_tag": doc.SourceTag,
		"importance": strconv.FormatFloat(doc.Importance, 'f', -1, 64),
	}
}

func fromChromemMetadata(id, content string, embedding []float32, md map[string]string) (*model.MemoryDocument, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, md["created_at"])
	if err != nil {
		return nil, goerr.Wrap(err, "invalid created_at metadata", goerr.V("id", id))
	}
	importance, err := strconv.ParseFloat(md["importance"], 64)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid importance metadata", goerr.V("id", id))
	}

	return &model.MemoryDocument{
		ID:         model.MemoryID(id),
		Content:    content,
		Embedding:  embedding,
		OwnerID:    model.UserID(md["owner_id"]),
		SessionID:  model.SessionID(md["session_id"]),
		CreatedAt:  createdAt,
		Kind:       model.MemoryKind(md["kind"]),
		SourceTag:  md["source_tag"],
		Importance: importance,
	}, nil
}
