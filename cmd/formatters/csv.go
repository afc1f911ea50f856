package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// CSVWriter streams rows as CSV under a fixed header
type CSVWriter struct {
	writer  *csv.Writer
	columns []string
	known   map[string]struct{}
}

// NewCSVWriter writes the header immediately. Later rows may omit columns
// (written empty) but may not carry a key outside the header.
func NewCSVWriter(w io.Writer, columns []string) (*CSVWriter, error) {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	known := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		known[col] = struct{}{}
	}
	return &CSVWriter{
		writer:  csvWriter,
		columns: append([]string(nil), columns...),
		known:   known,
	}, nil
}

// Columns returns the header the writer was created with
func (w *CSVWriter) Columns() []string {
	return w.columns
}

// WriteChunk writes a chunk of rows in CSV format
func (w *CSVWriter) WriteChunk(rows []map[string]interface{}) error {
	record := make([]string, len(w.columns))
	for _, row := range rows {
		for key := range row {
			if _, ok := w.known[key]; !ok {
				return fmt.Errorf("%w: column %q is not in the header %v", ErrSchemaMismatch, key, w.columns)
			}
		}
		for i, col := range w.columns {
			record[i] = csvValue(row[col])
		}
		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

// Close finalizes the CSV output by flushing the writer
func (w *CSVWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

func csvValue(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}
