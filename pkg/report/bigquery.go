package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
)

// BigQueryReporterConfig names the table runs are recorded in.
type BigQueryReporterConfig struct {
	DatasetID string `yaml:"dataset_id" validate:"required"`
	TableID   string `yaml:"table_id" validate:"required"`
}

// RowInserter is the part of *bigquery.Inserter the reporter uses.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQueryReporter streams one row per run.
type BigQueryReporter struct {
	inserter RowInserter
	logger   zerolog.Logger
}

// NewBigQueryReporter connects to the report table, creating it from the inferred
// Report schema, partitioned by day on started_at, when it does not exist.
func NewBigQueryReporter(ctx context.Context, client *bigquery.Client, cfg BigQueryReporterConfig, logger zerolog.Logger) (*BigQueryReporter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryReporter").
		Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema, err := bigquery.InferSchema(Report{})
		if err != nil {
			return nil, fmt.Errorf("failed to infer report schema: %w", err)
		}
		meta := &bigquery.TableMetadata{
			Schema: schema,
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "started_at",
			},
		}
		if err := table.Create(ctx, meta); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
		logger.Info().Msg("BigQuery table created successfully.")
	}
	return NewBigQueryReporterWithInserter(table.Inserter(), logger), nil
}

// NewBigQueryReporterWithInserter uses an existing inserter.
func NewBigQueryReporterWithInserter(inserter RowInserter, logger zerolog.Logger) *BigQueryReporter {
	return &BigQueryReporter{inserter: inserter, logger: logger}
}

func (b *BigQueryReporter) Report(ctx context.Context, rep Report) error {
	// The run id doubles as insert id so a retried report is not recorded twice.
	row := &bigquery.StructSaver{Struct: rep, InsertID: rep.RunID}
	if err := b.inserter.Put(ctx, row); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				b.logger.Error().Str("run_id", rep.RunID).Err(&rowErr).Msg("Row insertion failed")
			}
		}
		return fmt.Errorf("failed to insert report %s: %w", rep.RunID, err)
	}
	b.logger.Debug().Str("run_id", rep.RunID).Msg("Run report recorded.")
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
