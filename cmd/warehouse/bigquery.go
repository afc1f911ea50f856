package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Defaults for BigQuery jobs
const (
	DefaultLocation      = "southamerica-west1"
	DefaultExportTimeout = 10000 * time.Second
	DefaultQueryTimeout  = 30 * time.Second
)

// Config holds the BigQuery connection settings.
// CredentialsJSON may be empty to use application default credentials.
type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Location        string
	ExportTimeout   time.Duration
	QueryTimeout    time.Duration
}

// BigQuery implements Querier, Appender and TableExporter on a shared client.
// The client is safe for concurrent use.
type BigQuery struct {
	client *bigquery.Client
	config Config
	logger *slog.Logger
}

// Connect opens a BigQuery client for the configured project
func Connect(ctx context.Context, config Config, logger *slog.Logger) (*BigQuery, error) {
	if config.ProjectID == "" {
		return nil, ErrProjectRequired
	}
	if config.Location == "" {
		config.Location = DefaultLocation
	}
	if config.ExportTimeout <= 0 {
		config.ExportTimeout = DefaultExportTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var opts []option.ClientOption
	if len(config.CredentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	}

	logger.Debug(fmt.Sprintf("Connecting to BigQuery in project: %s", config.ProjectID))
	client, err := bigquery.NewClient(ctx, config.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	return &BigQuery{client: client, config: config, logger: logger}, nil
}

// Close releases the client
func (bq *BigQuery) Close() error {
	return bq.client.Close()
}

// Query runs sql, waits up to opts.Timeout for the job and returns an iterator over its rows
func (bq *BigQuery) Query(ctx context.Context, sql string, opts QueryOptions) (Rows, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = bq.config.QueryTimeout
	}

	q := bq.client.Query(sql)
	q.Location = bq.config.Location

	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting query: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := job.Wait(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for query job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("query job %s: %w", job.ID(), err)
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading query results: %w", err)
	}
	if opts.PageSize > 0 {
		it.PageInfo().MaxSize = opts.PageSize
	}
	return &bigQueryRows{it: it}, nil
}

type bigQueryRows struct {
	it *bigquery.RowIterator
}

func (r *bigQueryRows) Next() (map[string]any, error) {
	var values map[string]bigquery.Value
	if err := r.it.Next(&values); err != nil {
		if errors.Is(err, iterator.Done) {
			return nil, io.EOF
		}
		return nil, err
	}
	row := make(map[string]any, len(values))
	for k, v := range values {
		row[k] = v
	}
	return row, nil
}

func (r *bigQueryRows) Close() error {
	return nil
}

func (job TableExportJob) gcsReference() (*bigquery.GCSReference, error) {
	format, err := ParseFormat(string(job.Format))
	if err != nil {
		return nil, err
	}
	compression, err := ParseCompression(string(job.Compression))
	if err != nil {
		return nil, err
	}

	ref := bigquery.NewGCSReference(job.DestinationURI)
	ref.DestinationFormat = bigquery.DataFormat(format)
	ref.Compression = bigquery.Compression(compression)
	return ref, nil
}

// ExportTable runs an extract job for the table and waits for it, bounded by the export timeout
func (bq *BigQuery) ExportTable(ctx context.Context, job TableExportJob) error {
	gcsRef, err := job.gcsReference()
	if err != nil {
		return err
	}

	project := job.ProjectID
	if project == "" {
		project = bq.config.ProjectID
	}

	extractor := bq.client.DatasetInProject(project, job.DatasetID).Table(job.TableID).ExtractorTo(gcsRef)
	extractor.Location = bq.config.Location

	bq.logger.Debug("Starting extract job", "table", job.TableID, "destination", job.DestinationURI)
	extractJob, err := extractor.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting extract job: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, bq.config.ExportTimeout)
	defer cancel()

	status, err := extractJob.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for extract job %s: %w", extractJob.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("extract job %s: %w", extractJob.ID(), err)
	}
	return nil
}

// insertRow is a schemaless streaming-insert row with a per-row insert ID
type insertRow struct {
	values   map[string]any
	insertID string
}

func (r insertRow) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out, r.insertID, nil
}

// Append streams a single row into the table
func (bq *BigQuery) Append(ctx context.Context, table TableRef, row map[string]any) error {
	project := table.ProjectID
	if project == "" {
		project = bq.config.ProjectID
	}

	inserter := bq.client.DatasetInProject(project, table.DatasetID).Table(table.TableID).Inserter()
	if err := inserter.Put(ctx, insertRow{values: row, insertID: uuid.NewString()}); err != nil {
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	return nil
}

// ListTables returns the IDs of the dataset's tables whose name matches pattern at its start
func (bq *BigQuery) ListTables(ctx context.Context, project, dataset string, pattern *regexp.Regexp) ([]string, error) {
	if project == "" {
		project = bq.config.ProjectID
	}

	it := bq.client.DatasetInProject(project, dataset).Tables(ctx)
	var names []string
	for {
		t, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("listing tables in %s.%s: %w", project, dataset, err)
		}
		if MatchesFromStart(pattern, t.TableID) {
			names = append(names, t.TableID)
		}
	}
	return names, nil
}

// MatchesFromStart reports whether pattern matches name beginning at its first character.
// A nil pattern matches everything.
func MatchesFromStart(pattern *regexp.Regexp, name string) bool {
	if pattern == nil {
		return true
	}
	loc := pattern.FindStringIndex(name)
	return loc != nil && loc[0] == 0
}

// EnsureTable creates the table with schema if it does not exist yet
func (bq *BigQuery) EnsureTable(ctx context.Context, table TableRef, schema bigquery.Schema) (created bool, err error) {
	project := table.ProjectID
	if project == "" {
		project = bq.config.ProjectID
	}
	handle := bq.client.DatasetInProject(project, table.DatasetID).Table(table.TableID)

	if _, err := handle.Metadata(ctx); err == nil {
		return false, nil
	} else if !isHTTPStatus(err, http.StatusNotFound) {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}

	if err := handle.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		if isHTTPStatus(err, http.StatusConflict) {
			return false, nil
		}
		return false, fmt.Errorf("creating table %s: %w", table, err)
	}
	bq.logger.Info(fmt.Sprintf("The table %s was created", table))
	return true, nil
}

// LoadFile loads a local Parquet file into the table, appending to existing rows
func (bq *BigQuery) LoadFile(ctx context.Context, table TableRef, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open load file: %w", err)
	}
	defer f.Close()

	project := table.ProjectID
	if project == "" {
		project = bq.config.ProjectID
	}

	source := bigquery.NewReaderSource(f)
	source.SourceFormat = bigquery.Parquet

	loader := bq.client.DatasetInProject(project, table.DatasetID).Table(table.TableID).LoaderFrom(source)
	loader.Location = bq.config.Location
	loader.WriteDisposition = bigquery.WriteAppend

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job %s: %w", job.ID(), err)
	}
	return nil
}

func isHTTPStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// SchemaFromRecord infers a nullable schema from a single row, fields sorted by name
func SchemaFromRecord(record map[string]any) bigquery.Schema {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := make(bigquery.Schema, 0, len(names))
	for _, name := range names {
		schema = append(schema, &bigquery.FieldSchema{Name: name, Type: fieldTypeOf(record[name])})
	}
	return schema
}

func fieldTypeOf(v any) bigquery.FieldType {
	switch v.(type) {
	case bool:
		return bigquery.BooleanFieldType
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return bigquery.IntegerFieldType
	case float32, float64:
		return bigquery.FloatFieldType
	case time.Time:
		return bigquery.TimestampFieldType
	case []byte:
		return bigquery.BytesFieldType
	default:
		return bigquery.StringFieldType
	}
}
