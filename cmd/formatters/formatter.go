package formatters

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrUnsupportedInput is returned for partition files no reader understands
	ErrUnsupportedInput = errors.New("unsupported partition file format")
	// ErrSchemaMismatch is returned when rows do not share one set of columns
	ErrSchemaMismatch = errors.New("partition columns differ from the first partition")
)

// Format type constants
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// RowReader streams rows out of a single partition file.
// ReadChunk returns io.EOF once no rows remain.
type RowReader interface {
	Columns() []string
	ReadChunk(chunkSize int) ([]map[string]interface{}, error)
	Close() error
}

// DetectFormat maps a partition file name onto a reader format
func DetectFormat(name string) (format string, gzipped bool, err error) {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".gz") {
		gzipped = true
		lower = strings.TrimSuffix(lower, ".gz")
	}

	switch filepath.Ext(lower) {
	case ".parquet":
		if gzipped {
			return "", false, fmt.Errorf("%w: %s (parquet compresses internally)", ErrUnsupportedInput, name)
		}
		return FormatParquet, false, nil
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL, gzipped, nil
	default:
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedInput, name)
	}
}

// OpenRowReader opens a partition file and returns a streaming reader for it
func OpenRowReader(path string) (RowReader, error) {
	format, gzipped, err := DetectFormat(filepath.Base(path))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition file: %w", err)
	}

	switch format {
	case FormatParquet:
		r, err := NewParquetFileReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return r, nil
	default:
		if !gzipped {
			return NewJSONLReaderWithCloser(f), nil
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return NewJSONLReaderWithCloser(&stackedCloser{Reader: gz, closers: []io.Closer{gz, f}}), nil
	}
}

// SameColumns reports whether both column sets hold the same names, ignoring order
func SameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string(nil), a...)
	sb := append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StreamWriter writes rows chunk by chunk; Close finalizes the output
type StreamWriter interface {
	WriteChunk(rows []map[string]interface{}) error
	Close() error
}

// Output format names accepted by NewStreamWriter
const (
	OutputCSV     = "csv"
	OutputJSONL   = "jsonl"
	OutputParquet = "parquet"
)

// NewStreamWriter returns a writer for the named output format.
// columns fixes the CSV header and is ignored by the other formats.
func NewStreamWriter(format string, w io.Writer, columns []string) (StreamWriter, error) {
	switch format {
	case OutputCSV:
		return NewCSVWriter(w, columns)
	case OutputJSONL:
		return NewJSONLWriter(w), nil
	case OutputParquet:
		return NewParquetWriter(w, "snappy"), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// OutputExtension returns the file extension for an output format
func OutputExtension(format string) string {
	return "." + format
}
