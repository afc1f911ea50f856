package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrInvalidTableRef    = errors.New("table reference must be dataset.table or project.dataset.table")
	ErrUnknownFormat      = errors.New("unknown export format")
	ErrUnknownCompression = errors.New("unknown export compression")
	ErrProjectRequired    = errors.New("warehouse project ID is required")
	ErrDatasetRequired    = errors.New("warehouse dataset ID is required")
)

// Format is the file format of a table export
type Format string

const (
	FormatCSV     Format = "CSV"
	FormatJSON    Format = "NEWLINE_DELIMITED_JSON"
	FormatAvro    Format = "AVRO"
	FormatParquet Format = "PARQUET"
)

// Compression is the codec applied to exported files
type Compression string

const (
	CompressionNone    Compression = "NONE"
	CompressionGzip    Compression = "GZIP"
	CompressionSnappy  Compression = "SNAPPY"
	CompressionDeflate Compression = "DEFLATE"
)

// ParseFormat accepts the export format names, case-insensitively; "json" is an alias
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToUpper(s)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON, "JSON", "JSONL":
		return FormatJSON, nil
	case FormatAvro:
		return FormatAvro, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, s)
	}
}

// ParseCompression accepts the export compression names, case-insensitively
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToUpper(s)); c {
	case CompressionNone, CompressionGzip, CompressionSnappy, CompressionDeflate:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCompression, s)
	}
}

// TableRef identifies a warehouse table
type TableRef struct {
	ProjectID string
	DatasetID string
	TableID   string
}

// ParseTableRef parses "dataset.table" or "project.dataset.table"; a missing project falls back to defaultProject
func ParseTableRef(s, defaultProject string) (TableRef, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return TableRef{}, fmt.Errorf("%w: %q", ErrInvalidTableRef, s)
		}
	}
	switch len(parts) {
	case 2:
		return TableRef{ProjectID: defaultProject, DatasetID: parts[0], TableID: parts[1]}, nil
	case 3:
		return TableRef{ProjectID: parts[0], DatasetID: parts[1], TableID: parts[2]}, nil
	default:
		return TableRef{}, fmt.Errorf("%w: %q", ErrInvalidTableRef, s)
	}
}

func (r TableRef) String() string {
	if r.ProjectID == "" {
		return r.DatasetID + "." + r.TableID
	}
	return r.ProjectID + "." + r.DatasetID + "." + r.TableID
}

// TableExportJob is one table-to-object-storage export request
type TableExportJob struct {
	ProjectID      string
	DatasetID      string
	TableID        string
	DestinationURI string
	Format         Format
	Compression    Compression
}

// QueryOptions bound a single query
type QueryOptions struct {
	Timeout  time.Duration
	PageSize int
}

// Rows is a forward-only result set. Next returns io.EOF after the last row.
type Rows interface {
	Next() (map[string]any, error)
	Close() error
}

// Querier runs SQL
type Querier interface {
	Query(ctx context.Context, sql string, opts QueryOptions) (Rows, error)
}

// Appender inserts a single row into a table
type Appender interface {
	Append(ctx context.Context, table TableRef, row map[string]any) error
}

// TableExporter starts a table export and waits for it
type TableExporter interface {
	ExportTable(ctx context.Context, job TableExportJob) error
}

// Drain reads every remaining row into fn and closes rows
func Drain(rows Rows, fn func(map[string]any) error) (int64, error) {
	defer rows.Close()

	var n int64
	for {
		row, err := rows.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if fn != nil {
			if err := fn(row); err != nil {
				return n, err
			}
		}
		n++
	}
}

// SliceRows serves rows from memory
type SliceRows struct {
	rows []map[string]any
	pos  int
}

// NewSliceRows wraps an in-memory result set
func NewSliceRows(rows []map[string]any) *SliceRows {
	return &SliceRows{rows: rows}
}

func (r *SliceRows) Next() (map[string]any, error) {
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.pos]
	r.pos++
	return row, nil
}

func (r *SliceRows) Close() error {
	return nil
}
