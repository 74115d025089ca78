package adapter

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/carebot/pkg/interfaces"
	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// BigQuery streams interaction records into a table.
type BigQuery struct {
	client    *bigquery.Client
	datasetID string
	tableID   string
}

var _ interfaces.AuditSink = &BigQuery{}

// BigQueryOption is a functional option for BigQuery client
type BigQueryOption func(*BigQuery)

func WithTable(tableID string) BigQueryOption {
	return func(bq *BigQuery) {
		bq.tableID = tableID
	}
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID, datasetID string, opts ...BigQueryOption) (*BigQuery, error) {
	if datasetID == "" {
		return nil, goerr.New("dataset ID is required")
	}

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	bq := &BigQuery{
		client:    client,
		datasetID: datasetID,
		tableID:   "interactions",
	}

	for _, opt := range opts {
		opt(bq)
	}

	return bq, nil
}

func (bq *BigQuery) Close() error {
	return bq.client.Close()
}

// EnsureTable creates the interaction table from the record schema when it
// does not exist yet.
func (bq *BigQuery) EnsureTable(ctx context.Context) error {
	table := bq.client.Dataset(bq.datasetID).Table(bq.tableID)
	if _, err := table.Metadata(ctx); err == nil {
		return nil
	}

	schema, err := bigquery.InferSchema(model.Interaction{})
	if err != nil {
		return goerr.Wrap(err, "failed to infer interaction schema")
	}

	if err := table.Create(ctx, &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "timestamp",
		},
	}); err != nil {
		return goerr.Wrap(err, "failed to create interaction table",
			goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}
	return nil
}

func (bq *BigQuery) RecordInteraction(ctx context.Context, record *model.Interaction) error {
	rec := *record
	rec.LatencyMS = record.Latency.Milliseconds()

	inserter := bq.client.Dataset(bq.datasetID).Table(bq.tableID).Inserter()
	if err := inserter.Put(ctx, &rec); err != nil {
		return goerr.Wrap(err, "failed to insert interaction",
			goerr.V("dataset", bq.datasetID), goerr.V("table", bq.tableID))
	}
	return nil
}
