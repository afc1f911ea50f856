package consolidate

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var lines []string
	scanner := bufio.NewScanner(zr)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

// recordingFinisher wraps another finisher and remembers every call
type recordingFinisher struct {
	Finisher
	mu          sync.Mutex
	compressed  []string
	removed     [][]string
	compressErr error
	onCompress  func(path string)
}

func (f *recordingFinisher) Compress(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.compressed = append(f.compressed, path)
	f.mu.Unlock()
	if f.onCompress != nil {
		f.onCompress(path)
	}
	if f.compressErr != nil {
		return "", f.compressErr
	}
	return f.Finisher.Compress(ctx, path)
}

func (f *recordingFinisher) Remove(ctx context.Context, paths []string) error {
	f.mu.Lock()
	f.removed = append(f.removed, append([]string(nil), paths...))
	f.mu.Unlock()
	return f.Finisher.Remove(ctx, paths)
}

type recorderFunc func(table string, d time.Duration, err error)

func (f recorderFunc) ObserveConsolidation(table string, d time.Duration, err error) {
	f(table, d, err)
}

func newNative(t *testing.T) *NativeFinisher {
	t.Helper()
	f, err := NewNativeFinisher("gzip", 0)
	require.NoError(t, err)
	return f
}

func TestConsolidateMissingTableIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders-000.jsonl", "{\"id\":1}\n")

	finisher := &recordingFinisher{Finisher: newNative(t)}
	c, err := New(Config{WorkingDir: dir}, finisher, nil, nil)
	require.NoError(t, err)

	summary, err := c.Consolidate(context.Background(), []string{"get_sales"})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Skipped())
	assert.Empty(t, finisher.compressed)
	assert.Empty(t, finisher.removed)
	assert.NoFileExists(t, filepath.Join(dir, "get_sales.csv"))
}

func TestConsolidateMergesEveryRowOnce(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "get_sales-000000000000.jsonl", "{\"id\":1,\"store\":\"a\"}\n{\"id\":2,\"store\":\"b\"}\n")
	p2 := writeFile(t, dir, "get_sales-000000000001.jsonl", "{\"store\":\"c\",\"id\":3}\n")
	p3 := writeFile(t, dir, "get_sales-000000000002.jsonl", "")
	other := writeFile(t, dir, "orders-000.jsonl", "{\"id\":9}\n")
	old := writeFile(t, dir, "get_sales_previous.csv.gz", "not a partition")
	writeFile(t, dir, ".get_sales-000000000003.jsonl.part", "{\"id\":4}\n")

	var observed []string
	recorder := recorderFunc(func(table string, _ time.Duration, err error) {
		assert.NoError(t, err)
		observed = append(observed, table)
	})

	finisher := &recordingFinisher{Finisher: newNative(t)}
	c, err := New(Config{WorkingDir: dir, ChunkSize: 1}, finisher, nil, recorder)
	require.NoError(t, err)

	summary, err := c.Consolidate(context.Background(), []string{"get_sales", "get_sales"})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1, "duplicate table names are processed once")

	result := summary.Results[0]
	assert.Equal(t, int64(3), result.Rows)
	assert.Equal(t, []string{p1, p2, p3}, result.Inputs)
	assert.Equal(t, filepath.Join(dir, "get_sales.csv.gz"), result.Output)
	assert.Equal(t, []string{"get_sales"}, observed)

	lines := readGzipLines(t, result.Output)
	require.Len(t, lines, 4)
	assert.Equal(t, "id,store", lines[0])
	body := lines[1:]
	sort.Strings(body)
	assert.Equal(t, []string{"1,a", "2,b", "3,c"}, body)

	for _, p := range []string{p1, p2, p3} {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, other)
	assert.FileExists(t, old)
	assert.NoFileExists(t, filepath.Join(dir, "get_sales.csv"))
}

func TestConsolidateCompressionFailureKeepsInputs(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "t-0.jsonl", "{\"id\":1}\n")
	p2 := writeFile(t, dir, "t-1.jsonl", "{\"id\":2}\n")

	errDisk := errors.New("disk full")
	finisher := &recordingFinisher{Finisher: newNative(t), compressErr: errDisk}
	c, err := New(Config{WorkingDir: dir}, finisher, nil, nil)
	require.NoError(t, err)

	_, err = c.Consolidate(context.Background(), []string{"t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)

	var consErr *ConsolidationError
	require.ErrorAs(t, err, &consErr)
	assert.Equal(t, "t", consErr.Table)

	assert.Empty(t, finisher.removed)
	assert.FileExists(t, p1)
	assert.FileExists(t, p2)
}

func TestConsolidateDeletesExactlyTheCapturedList(t *testing.T) {
	dir := t.TempDir()
	p1 := writeFile(t, dir, "events-0.jsonl", "{\"id\":1}\n")
	p2 := writeFile(t, dir, "events-1.jsonl", "{\"id\":2}\n")
	late := filepath.Join(dir, "events-2.jsonl")

	finisher := &recordingFinisher{
		Finisher: newNative(t),
		// a partition that lands after planning must survive
		onCompress: func(string) {
			require.NoError(t, os.WriteFile(late, []byte("{\"id\":3}\n"), 0o644))
		},
	}
	c, err := New(Config{WorkingDir: dir}, finisher, nil, nil)
	require.NoError(t, err)

	_, err = c.Consolidate(context.Background(), []string{"events"})
	require.NoError(t, err)

	require.Len(t, finisher.removed, 1)
	assert.Equal(t, []string{p1, p2}, finisher.removed[0])
	assert.FileExists(t, late)
}

func TestConsolidateContinuesAfterFailure(t *testing.T) {
	newDir := func(t *testing.T) string {
		dir := t.TempDir()
		writeFile(t, dir, "broken-0.jsonl", "{\"a\":1}\n")
		writeFile(t, dir, "broken-1.jsonl", "{\"b\":1}\n")
		writeFile(t, dir, "fine-0.jsonl", "{\"a\":1}\n")
		return dir
	}

	t.Run("log and continue", func(t *testing.T) {
		dir := newDir(t)
		c, err := New(Config{WorkingDir: dir}, newNative(t), nil, nil)
		require.NoError(t, err)

		summary, err := c.Consolidate(context.Background(), []string{"broken", "fine"})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSchemaMismatch)
		assert.Len(t, multierr.Errors(err), 1)

		require.Len(t, summary.Results, 2)
		require.Len(t, summary.Failed(), 1)
		assert.Equal(t, "broken", summary.Failed()[0].Table)
		assert.NoError(t, summary.Results[1].Err)

		assert.NoFileExists(t, filepath.Join(dir, "broken.csv"), "partial output is removed")
		assert.FileExists(t, filepath.Join(dir, "broken-0.jsonl"))
		assert.FileExists(t, filepath.Join(dir, "fine.csv.gz"))
	})

	t.Run("stop on error", func(t *testing.T) {
		dir := newDir(t)
		c, err := New(Config{WorkingDir: dir, StopOnError: true}, newNative(t), nil, nil)
		require.NoError(t, err)

		summary, err := c.Consolidate(context.Background(), []string{"broken", "fine"})
		require.Error(t, err)
		assert.Len(t, summary.Results, 1)
		assert.FileExists(t, filepath.Join(dir, "fine-0.jsonl"))
	})
}

func TestConsolidateUnsupportedInput(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "t-0.avro", "binary")

	c, err := New(Config{WorkingDir: dir}, newNative(t), nil, nil)
	require.NoError(t, err)

	_, err = c.Consolidate(context.Background(), []string{"t"})
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

type basketRow struct {
	ID    int64    `parquet:"id"`
	Items []string `parquet:"items,list"`
}

func TestConsolidateKeepsInputsOnLossyRows(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, dir string) string
		wantErr error
	}{
		{
			name: "key appears after the first row",
			prepare: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "orders-0.jsonl", "{\"id\":1}\n{\"id\":2,\"email\":\"b@x\"}\n")
			},
			wantErr: ErrSchemaMismatch,
		},
		{
			name: "repeated parquet column",
			prepare: func(t *testing.T, dir string) string {
				path := filepath.Join(dir, "orders-0.parquet")
				f, err := os.Create(path)
				require.NoError(t, err)
				defer f.Close()
				w := parquet.NewGenericWriter[basketRow](f)
				_, err = w.Write([]basketRow{{ID: 1, Items: []string{"a", "b"}}})
				require.NoError(t, err)
				require.NoError(t, w.Close())
				return path
			},
			wantErr: ErrUnsupportedColumn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			input := tt.prepare(t, dir)

			finisher := &recordingFinisher{Finisher: newNative(t)}
			c, err := New(Config{WorkingDir: dir}, finisher, nil, nil)
			require.NoError(t, err)

			summary, err := c.Consolidate(context.Background(), []string{"orders"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			require.Len(t, summary.Failed(), 1)

			assert.FileExists(t, input)
			assert.NoFileExists(t, filepath.Join(dir, "orders.csv"))
			assert.Empty(t, finisher.compressed)
			assert.Empty(t, finisher.removed)
		})
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrWorkingDirRequired)

	_, err = New(Config{WorkingDir: t.TempDir(), OutputTemplate: "merged.csv"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewNativeFinisher("none", 0)
	assert.ErrorIs(t, err, ErrCompressionRequired)

	_, err = NewNativeFinisher("gzip", 42)
	assert.ErrorIs(t, err, ErrInvalidCompressionLevel)
}

func TestCommandFinisher(t *testing.T) {
	t.Run("non-zero exit carries status", func(t *testing.T) {
		f := &CommandFinisher{CompressCommand: []string{"false"}, Suffix: ".gz"}
		_, err := f.Compress(context.Background(), "whatever.csv")

		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, "false", cmdErr.Command)
		assert.Equal(t, 1, cmdErr.ExitCode)
	})

	t.Run("missing binary", func(t *testing.T) {
		f := &CommandFinisher{CompressCommand: []string{"definitely-not-a-real-binary"}}
		_, err := f.Compress(context.Background(), "x")

		var cmdErr *CommandError
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, -1, cmdErr.ExitCode)
	})

	t.Run("remove passes each path as its own argument", func(t *testing.T) {
		dir := t.TempDir()
		weird := writeFile(t, dir, "name with spaces; rm -rf.jsonl", "x")
		keep := writeFile(t, dir, "keep.jsonl", "x")

		f := NewCommandFinisher()
		require.NoError(t, f.Remove(context.Background(), []string{weird}))
		assert.NoFileExists(t, weird)
		assert.FileExists(t, keep)
	})

	t.Run("empty command", func(t *testing.T) {
		f := &CommandFinisher{}
		err := f.Remove(context.Background(), []string{"x"})
		assert.ErrorIs(t, err, ErrCommandNotConfigured)
	})
}

func TestNativeFinisherRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	merged := writeFile(t, dir, "t.csv", "id\n1\n")
	writeFile(t, dir, "t.csv.gz", "existing")

	_, err := newNative(t).Compress(context.Background(), merged)
	require.Error(t, err)
	assert.FileExists(t, merged)

	content, readErr := os.ReadFile(filepath.Join(dir, "t.csv.gz"))
	require.NoError(t, readErr)
	assert.True(t, strings.HasPrefix(string(content), "existing"))
}
