package adapter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/carebot/pkg/adapter"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/gt"
)

func TestBigQueryRecordInteraction(t *testing.T) {
	projectID := os.Getenv("TEST_BIGQUERY_PROJECT")
	if projectID == "" {
		t.Skip("TEST_BIGQUERY_PROJECT is not set")
	}

	datasetID := os.Getenv("TEST_BIGQUERY_DATASET")
	if datasetID == "" {
		t.Skip("TEST_BIGQUERY_DATASET is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewBigQuery(ctx, projectID, datasetID, adapter.WithTable("carebot_test_interactions"))
	gt.NoError(t, err)
	defer client.Close()

	gt.NoError(t, client.EnsureTable(ctx))
	gt.NoError(t, client.RecordInteraction(ctx, &model.Interaction{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		IdentityKind: model.IdentityKindGuest,
		UserID:       model.NewUserID(),
		SessionID:    model.NewSessionID(),
		Category:     model.IntentBooking,
		Confidence:   0.8,
		Handler:      "booking",
		Latency:      120 * time.Millisecond,
	}))
}
