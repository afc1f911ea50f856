package warehouse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/airframesio/bi-toolkit/cmd/pathtemplate"
)

// ExporterConfig controls the export fan-out
type ExporterConfig struct {
	Workers     int
	Format      Format
	Compression Compression
}

// Exporter exports many tables to object storage in parallel
type Exporter struct {
	warehouse TableExporter
	config    ExporterConfig
	logger    *slog.Logger
	observer  fanout.Observer
	now       func() time.Time
}

// NewExporter creates an exporter; format and compression default to CSV/GZIP
func NewExporter(warehouse TableExporter, config ExporterConfig, logger *slog.Logger, observer fanout.Observer) *Exporter {
	if config.Workers <= 0 {
		config.Workers = fanout.DefaultWorkers()
	}
	if config.Format == "" {
		config.Format = FormatCSV
	}
	if config.Compression == "" {
		config.Compression = CompressionGzip
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exporter{
		warehouse: warehouse,
		config:    config,
		logger:    logger,
		observer:  observer,
		now:       time.Now,
	}
}

// Jobs builds one export job per table from the destination template
func (e *Exporter) Jobs(tables []string, destinationTemplate, projectID, datasetID string) ([]TableExportJob, error) {
	template := pathtemplate.New(destinationTemplate)
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if datasetID == "" {
		return nil, ErrDatasetRequired
	}

	ts := e.now()
	jobs := make([]TableExportJob, 0, len(tables))
	for _, table := range tables {
		jobs = append(jobs, TableExportJob{
			ProjectID:      projectID,
			DatasetID:      datasetID,
			TableID:        table,
			DestinationURI: template.Generate(table, ts),
			Format:         e.config.Format,
			Compression:    e.config.Compression,
		})
	}
	return jobs, nil
}

// ExportAll runs one export per table on a bounded pool. A failing table never stops the others;
// the returned error lists every failed table.
func (e *Exporter) ExportAll(ctx context.Context, tables []string, destinationTemplate, projectID, datasetID string) (*fanout.Report, error) {
	jobs, err := e.Jobs(tables, destinationTemplate, projectID, datasetID)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, jobs)
}

// Run exports prepared jobs; a table listed twice is exported once
func (e *Exporter) Run(ctx context.Context, jobs []TableExportJob) (*fanout.Report, error) {
	byTable := make(map[string]TableExportJob, len(jobs))
	keys := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if _, dup := byTable[job.TableID]; dup {
			continue
		}
		byTable[job.TableID] = job
		keys = append(keys, job.TableID)
	}

	e.logger.Info(fmt.Sprintf("Exporting %d tables with %d workers", len(keys), e.config.Workers))

	report := fanout.Run(ctx, keys, e.config.Workers, func(ctx context.Context, table string) error {
		job := byTable[table]
		if err := e.warehouse.ExportTable(ctx, job); err != nil {
			return fmt.Errorf("failed to export table %s to %s: %w", table, job.DestinationURI, err)
		}
		return nil
	}, fanout.Observers(e.logOutcome, e.observer))

	e.logger.Info("Export finished",
		"succeeded", len(report.Succeeded()),
		"failed", len(report.Failed()),
		"elapsed", report.Elapsed.Round(time.Millisecond))

	return report, report.Err()
}

func (e *Exporter) logOutcome(o fanout.Outcome) {
	if o.Err != nil {
		e.logger.Error("Export failed", "table", o.Key, "error", o.Err)
		return
	}
	e.logger.Debug("Exported table", "table", o.Key, "elapsed", o.Duration.Round(time.Millisecond))
}
