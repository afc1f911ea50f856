package formatters

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// parquetBatchSize is how many rows are pulled from a row group per read
const parquetBatchSize = 1000

// ErrUnsupportedColumn is returned for columns that cannot be flattened into one CSV cell
var ErrUnsupportedColumn = errors.New("unsupported parquet column")

// julianUnixEpoch is the Julian day number of 1970-01-01, used by INT96 timestamps
const julianUnixEpoch = 2440588

// ParquetReader streams rows out of a Parquet file, one row group at a time
type ParquetReader struct {
	file     *parquet.File
	closer   io.Closer
	columns  []string
	leaves   []parquet.Node
	groups   []parquet.RowGroup
	groupIdx int
	rows     parquet.Rows
	batch    []parquet.Row
}

// NewParquetReader opens a Parquet file from any io.ReaderAt of known size
func NewParquetReader(r io.ReaderAt, size int64) (*ParquetReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	reader := &ParquetReader{
		file:   file,
		groups: file.RowGroups(),
	}

	// Leaf columns are ordered by column index, matching Value.Column().
	// Nested fields keep their full dotted path so siblings never collide.
	for _, path := range file.Schema().Columns() {
		leaf, ok := file.Schema().Lookup(path...)
		if !ok {
			return nil, fmt.Errorf("failed to resolve parquet column %v", path)
		}
		name := strings.Join(path, ".")
		if leaf.MaxRepetitionLevel > 0 {
			return nil, fmt.Errorf("%w: %s is repeated", ErrUnsupportedColumn, name)
		}
		reader.columns = append(reader.columns, name)
		reader.leaves = append(reader.leaves, leaf.Node)
	}
	return reader, nil
}

// NewParquetFileReader opens a Parquet file without loading it into memory.
// The file is closed by Close.
func NewParquetFileReader(f *os.File) (*ParquetReader, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}

	reader, err := NewParquetReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	reader.closer = f
	return reader, nil
}

// Columns returns the leaf column names in schema order
func (r *ParquetReader) Columns() []string {
	return r.columns
}

// NumRows returns the total row count recorded in the file footer
func (r *ParquetReader) NumRows() int64 {
	return r.file.NumRows()
}

// ReadChunk reads up to chunkSize rows, crossing row group boundaries as needed
func (r *ParquetReader) ReadChunk(chunkSize int) ([]map[string]interface{}, error) {
	if chunkSize <= 0 {
		chunkSize = parquetBatchSize
	}

	var out []map[string]interface{}
	for len(out) < chunkSize {
		if r.rows == nil {
			if r.groupIdx >= len(r.groups) {
				break
			}
			r.rows = r.groups[r.groupIdx].Rows()
			r.groupIdx++
		}

		want := chunkSize - len(out)
		if want > parquetBatchSize {
			want = parquetBatchSize
		}
		if cap(r.batch) < want {
			r.batch = make([]parquet.Row, want)
		}
		batch := r.batch[:want]

		n, err := r.rows.ReadRows(batch)
		for i := 0; i < n; i++ {
			out = append(out, r.convertRow(batch[i]))
		}
		if err == io.EOF || (err == nil && n == 0) {
			r.rows.Close()
			r.rows = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	if len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

func (r *ParquetReader) convertRow(row parquet.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(r.columns))
	for _, col := range r.columns {
		out[col] = nil
	}
	for _, val := range row {
		idx := val.Column()
		if idx < 0 || idx >= len(r.columns) {
			continue
		}
		out[r.columns[idx]] = convertValue(val, r.leaves[idx])
	}
	return out
}

// convertValue converts a parquet.Value to a Go value, honoring the logical
// types BigQuery exports (timestamp, date, time, decimal, unsigned integers)
func convertValue(val parquet.Value, node parquet.Node) interface{} {
	if val.IsNull() {
		return nil
	}

	if lt := node.Type().LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			v := val.Int64()
			switch {
			case lt.Timestamp.Unit.Nanos != nil:
				return time.Unix(0, v).UTC()
			case lt.Timestamp.Unit.Micros != nil:
				return time.UnixMicro(v).UTC()
			default:
				return time.UnixMilli(v).UTC()
			}
		case lt.Date != nil:
			return time.Unix(int64(val.Int32())*86400, 0).UTC()
		case lt.Time != nil:
			var d time.Duration
			switch {
			case lt.Time.Unit.Nanos != nil:
				d = time.Duration(val.Int64())
			case lt.Time.Unit.Micros != nil:
				d = time.Duration(val.Int64()) * time.Microsecond
			default:
				d = time.Duration(val.Int32()) * time.Millisecond
			}
			return time.Time{}.Add(d).Format("15:04:05.999999999")
		case lt.Decimal != nil:
			return decimalString(unscaledDecimal(val), int(lt.Decimal.Scale))
		case lt.Integer != nil && !lt.Integer.IsSigned:
			if val.Kind() == parquet.Int32 {
				return uint32(val.Int32())
			}
			return uint64(val.Int64())
		}
	}

	switch val.Kind() {
	case parquet.Boolean:
		return val.Boolean()
	case parquet.Int32:
		return val.Int32()
	case parquet.Int64:
		return val.Int64()
	case parquet.Int96:
		// 8 bytes of nanoseconds within the day, then the Julian day
		v := val.Int96()
		nanos := int64(uint64(v[1])<<32 | uint64(v[0]))
		days := int64(v[2]) - julianUnixEpoch
		return time.Unix(days*86400, nanos).UTC()
	case parquet.Float:
		return val.Float()
	case parquet.Double:
		return val.Double()
	default:
		return string(val.ByteArray())
	}
}

// unscaledDecimal reads the integer behind a DECIMAL value; byte arrays hold
// a big-endian two's complement number
func unscaledDecimal(val parquet.Value) *big.Int {
	switch val.Kind() {
	case parquet.Int32:
		return big.NewInt(int64(val.Int32()))
	case parquet.Int64:
		return big.NewInt(val.Int64())
	}

	b := val.ByteArray()
	n := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return n
}

// decimalString renders unscaled * 10^-scale without going through a float
func decimalString(unscaled *big.Int, scale int) string {
	digits := new(big.Int).Abs(unscaled).String()
	sign := ""
	if unscaled.Sign() < 0 {
		sign = "-"
	}
	if scale <= 0 {
		return sign + digits + strings.Repeat("0", -scale)
	}
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	point := len(digits) - scale
	return sign + digits[:point] + "." + digits[point:]
}

// Close releases the current row group and the underlying file
func (r *ParquetReader) Close() error {
	if r.rows != nil {
		r.rows.Close()
		r.rows = nil
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
