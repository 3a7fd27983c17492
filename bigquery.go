package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/bigquery"
)

// Publisher copies a committed snapshot file somewhere else.
type Publisher interface {
	Publish(ctx context.Context, snapshotPath string) error
}

// BigQueryPublisher replaces a BigQuery table with the content of the
// snapshot. The load job truncates the table, so readers see either the
// previous or the new snapshot.
type BigQueryPublisher struct {
	Log      *slog.Logger
	BigQuery *bigquery.Client
	Dataset  string
	Table    string
}

func (p *BigQueryPublisher) issuesTable() *bigquery.Table {
	return p.BigQuery.Dataset(p.Dataset).Table(p.Table)
}

func (p *BigQueryPublisher) Publish(ctx context.Context, snapshotPath string) error {
	f, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	src := bigquery.NewReaderSource(f)
	src.SourceFormat = bigquery.Parquet

	loader := p.issuesTable().LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s: %w", job.ID(), err)
	}
	p.Log.Info("published snapshot to bigquery",
		"table", p.Dataset+"."+p.Table,
		"job", job.ID(),
	)
	return nil
}
