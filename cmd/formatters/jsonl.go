package formatters

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONLWriter streams rows as JSON Lines
type JSONLWriter struct {
	encoder *json.Encoder
}

// NewJSONLWriter creates a new JSONL stream writer
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{encoder: json.NewEncoder(w)}
}

// WriteChunk writes one JSON object per row; Encode appends the newline
func (w *JSONLWriter) WriteChunk(rows []map[string]interface{}) error {
	for _, row := range rows {
		if err := w.encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to write JSONL record: %w", err)
		}
	}
	return nil
}

// Close is a no-op, JSONL has no footer
func (w *JSONLWriter) Close() error {
	return nil
}
