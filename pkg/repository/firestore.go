package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const memoryCollection = "memories"

// Firestore stores memory documents in a single collection keyed by id.
type Firestore struct {
	client *firestore.Client
}

var _ interfaces.MemoryRepository = &Firestore{}

type firestoreMemory struct {
	ID         string             `firestore:"id"`
	Content    string             `firestore:"content"`
	Embedding  firestore.Vector32 `firestore:"embedding"`
	OwnerID    string             `firestore:"owner_id"`
	SessionID  string             `firestore:"session_id"`
	CreatedAt  time.Time          `firestore:"created_at"`
	Kind       string             `firestore:"kind"`
	SourceTag  string             `firestore:"source_tag"`
	Importance float64            `firestore:"importance"`
}

// NewFirestore creates a Firestore repository for the given project and database.
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) PutMemory(ctx context.Context, doc *model.MemoryDocument) error {
	rec := &firestoreMemory{
		ID:         string(doc.ID),
		Content:    doc.Content,
		Embedding:  firestore.Vector32(doc.Embedding),
		OwnerID:    string(doc.OwnerID),
		SessionID:  string(doc.SessionID),
		CreatedAt:  doc.CreatedAt,
		Kind:       string(doc.Kind),
		SourceTag:  doc.SourceTag,
		Importance: doc.Importance,
	}
	if _, err := r.client.Collection(memoryCollection).Doc(rec.ID).Set(ctx, rec); err != nil {
		return goerr.Wrap(err, "failed to put memory", goerr.V("id", doc.ID))
	}
	return nil
}

func (r *Firestore) ListMemories(ctx context.Context, owner model.UserID) ([]*model.MemoryDocument, error) {
	iter := r.client.Collection(memoryCollection).
		Where("owner_id", "==", string(owner)).
		Documents(ctx)
	defer iter.Stop()

	var docs []*model.MemoryDocument
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memories", goerr.V("owner", owner))
		}

		var rec firestoreMemory
		if err := snap.DataTo(&rec); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", snap.Ref.ID))
		}
		docs = append(docs, &model.MemoryDocument{
			ID:         model.MemoryID(rec.ID),
			Content:    rec.Content,
			Embedding:  []float32(rec.Embedding),
			OwnerID:    model.UserID(rec.OwnerID),
			SessionID:  model.SessionID(rec.SessionID),
			CreatedAt:  rec.CreatedAt,
			Kind:       model.MemoryKind(rec.Kind),
			SourceTag:  rec.SourceTag,
			Importance: rec.Importance,
		})
	}
	return docs, nil
}

func (r *Firestore) ListOwners(ctx context.Context) ([]model.UserID, error) {
	iter := r.client.Collection(memoryCollection).Select("owner_id").Documents(ctx)
	defer iter.Stop()

	seen := make(map[model.UserID]struct{})
	var owners []model.UserID
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate memory owners")
		}

		v, err := snap.DataAt("owner_id")
		if err != nil {
			continue
		}
		owner, ok := v.(string)
		if !ok || owner == "" {
			continue
		}
		if _, dup := seen[model.UserID(owner)]; dup {
			continue
		}
		seen[model.UserID(owner)] = struct{}{}
		owners = append(owners, model.UserID(owner))
	}
	return owners, nil
}

// DeleteMemory removes a document. A document already removed by another
// process is not an error.
func (r *Firestore) DeleteMemory(ctx context.Context, owner model.UserID, id model.MemoryID) error {
	_, err := r.client.Collection(memoryCollection).Doc(string(id)).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		logging.From(ctx).Debug("memory already deleted", "id", id, "owner", owner)
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id), goerr.V("owner", owner))
	}
	return nil
}
