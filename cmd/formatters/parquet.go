package formatters

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// ParquetWriter streams rows into a Parquet file.
// The schema is inferred from the first non-empty chunk.
type ParquetWriter struct {
	out         io.Writer
	compression string
	writer      *parquet.GenericWriter[map[string]any]
	kinds       map[string]parquet.Kind
}

// NewParquetWriter creates a Parquet stream writer with the given codec name
func NewParquetWriter(w io.Writer, compression string) *ParquetWriter {
	return &ParquetWriter{out: w, compression: compression}
}

func parquetCodec(name string) parquet.WriterOption {
	switch name {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Default to Snappy (standard for Parquet)
		return parquet.Compression(&parquet.Snappy)
	}
}

// WriteChunk writes a chunk of rows, coercing values onto the inferred schema
func (w *ParquetWriter) WriteChunk(rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if w.writer == nil {
		schema, kinds := buildSchemaFromRows(rows)
		w.kinds = kinds
		w.writer = parquet.NewGenericWriter[map[string]any](w.out, schema, parquetCodec(w.compression))
	}

	normalized := make([]map[string]any, len(rows))
	for i, row := range rows {
		out := make(map[string]any, len(w.kinds))
		for col, kind := range w.kinds {
			out[col] = coerceValue(row[col], kind)
		}
		normalized[i] = out
	}

	if _, err := w.writer.Write(normalized); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return nil
}

// Close flushes the footer. A writer that never saw a row produces no output.
func (w *ParquetWriter) Close() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// buildSchemaFromRows creates a Parquet schema by scanning rows for the first non-nil value per column
func buildSchemaFromRows(rows []map[string]interface{}) (*parquet.Schema, map[string]parquet.Kind) {
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	kinds := make(map[string]parquet.Kind, len(columns))
	fields := make(parquet.Group)
	for _, col := range columns {
		kind := parquet.ByteArray
		for _, row := range rows {
			if value := row[col]; value != nil {
				kind = kindOf(value)
				break
			}
		}
		kinds[col] = kind

		switch kind {
		case parquet.Boolean:
			fields[col] = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		case parquet.Int64:
			fields[col] = parquet.Optional(parquet.Leaf(parquet.Int64Type))
		case parquet.Double:
			fields[col] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		default:
			fields[col] = parquet.Optional(parquet.String())
		}
	}

	return parquet.NewSchema("bi_toolkit_export", fields), kinds
}

func kindOf(value interface{}) parquet.Kind {
	switch value.(type) {
	case bool:
		return parquet.Boolean
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return parquet.Int64
	case float32, float64:
		return parquet.Double
	default:
		return parquet.ByteArray
	}
}

var errIncompatibleValue = errors.New("incompatible value")

// coerceValue maps a Go value onto the column kind; mismatches fall back to their string form
func coerceValue(value interface{}, kind parquet.Kind) interface{} {
	if value == nil {
		return nil
	}
	switch kind {
	case parquet.Boolean:
		if b, ok := value.(bool); ok {
			return b
		}
	case parquet.Int64:
		if n, err := toInt64(value); err == nil {
			return n
		}
	case parquet.Double:
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		}
		if n, err := toInt64(value); err == nil {
			return float64(n)
		}
	}
	return csvValue(value)
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	default:
		return 0, errIncompatibleValue
	}
}
