package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// maxLineSize bounds a single JSON line; warehouse exports can carry wide rows
const maxLineSize = 64 * 1024 * 1024

// JSONLReader reads JSONL format (one JSON object per line)
type JSONLReader struct {
	scanner *bufio.Scanner
	reader  io.ReadCloser
	pending map[string]interface{}
	columns []string
	peeked  bool
	peekErr error
}

// NewJSONLReader creates a new JSONL reader
func NewJSONLReader(r io.Reader) *JSONLReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLReader{scanner: scanner}
}

// NewJSONLReaderWithCloser creates a new JSONL reader with a closable reader
func NewJSONLReaderWithCloser(r io.ReadCloser) *JSONLReader {
	reader := NewJSONLReader(r)
	reader.reader = r
	return reader
}

// Columns returns the sorted keys of the first object in the stream.
// The first row is buffered and still returned by ReadChunk.
func (r *JSONLReader) Columns() []string {
	r.peek()
	return r.columns
}

func (r *JSONLReader) peek() {
	if r.peeked {
		return
	}
	r.peeked = true

	row, err := r.next()
	if err != nil {
		if err != io.EOF {
			r.peekErr = err
		}
		return
	}
	r.pending = row
	for col := range row {
		r.columns = append(r.columns, col)
	}
	sort.Strings(r.columns)
}

func (r *JSONLReader) next() (map[string]interface{}, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue // Skip empty lines
		}

		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("failed to parse JSON line: %w", err)
		}
		return row, nil
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return nil, io.EOF
}

// ReadChunk reads up to chunkSize rows from the JSONL stream
func (r *JSONLReader) ReadChunk(chunkSize int) ([]map[string]interface{}, error) {
	r.peek()
	if r.peekErr != nil {
		return nil, r.peekErr
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var rows []map[string]interface{}
	if r.pending != nil {
		rows = append(rows, r.pending)
		r.pending = nil
	}

	for len(rows) < chunkSize {
		row, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, io.EOF
	}
	return rows, nil
}

// Close closes the underlying reader if it's closable
func (r *JSONLReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}
