package memory

import (
	"context"

	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/metrics"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Recorder embeds and stores conversation turns. Failures degrade memory
// and are never returned to the caller.
type Recorder struct {
	store   *Store
	gateway interfaces.LLMGateway
	metrics *metrics.Metrics
}

type RecorderOption func(*Recorder)

func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func NewRecorder(store *Store, gateway interfaces.LLMGateway, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		gateway: gateway,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RecordInput struct {
	OwnerID   model.UserID
	SessionID model.SessionID
	Role      model.Role
	Category  model.IntentCategory
	Content   string
	Kind      model.MemoryKind
	SourceTag string
}

// Record stores one piece of content. It returns the inserted document, or
// nil when memory is degraded.
func (r *Recorder) Record(ctx context.Context, input RecordInput) *model.MemoryDocument {
	logger := logging.From(ctx)

	embedding, err := r.gateway.Embed(ctx, input.Content)
	if err != nil {
		r.metrics.MemoryDegradation("embed")
		logger.Warn("skip memory record: embedding failed",
			"error", goerr.Wrap(model.ErrMemoryDegradation, "failed to embed content", goerr.V("cause", err.Error())),
			"owner", input.OwnerID)
		return nil
	}

	sourceTag := input.SourceTag
	if sourceTag == "" {
		sourceTag = string(input.Role)
	}

	doc, err := r.store.Insert(ctx, InsertInput{
		Content:   input.Content,
		Embedding: embedding,
		OwnerID:   input.OwnerID,
		SessionID: input.SessionID,
		Kind:      input.Kind,
		SourceTag: sourceTag,
		Importance: Importance(ImportanceInput{
			Role:     input.Role,
			Category: input.Category,
			Content:  input.Content,
		}),
	})
	if err != nil {
		r.metrics.MemoryDegradation("insert")
		logger.Warn("skip memory record: insert failed", "error", err, "owner", input.OwnerID)
		return nil
	}

	return doc
}
