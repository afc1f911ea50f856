package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// memoryRemote keeps stored files in memory
type memoryRemote struct {
	mu     sync.Mutex
	files  map[string][]byte
	stores int
	fail   map[string]error
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{files: map[string][]byte{}, fail: map[string]error{}}
}

func (m *memoryRemote) Store(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if err := m.fail[name]; err != nil {
		return err
	}
	m.files[name] = data
	return nil
}

func (m *memoryRemote) Close() error { return nil }

func setupUploadDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"a.csv.gz", "b.csv.gz", "c.csv.gz"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data-"+name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))
	return dir
}

func TestUploaderPlanSkipsDirectories(t *testing.T) {
	dir := setupUploadDir(t)

	tasks, err := NewUploader(newMemoryRemote(), 2, nil, nil).Plan(dir)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "a.csv.gz", tasks[0].FileName)
	assert.Equal(t, filepath.Join(dir, "a.csv.gz"), tasks[0].SourcePath)
}

func TestUploadAll(t *testing.T) {
	t.Run("uploads every file", func(t *testing.T) {
		dir := setupUploadDir(t)
		remote := newMemoryRemote()

		report, err := NewUploader(remote, 2, nil, nil).UploadAll(context.Background(), dir)
		require.NoError(t, err)
		assert.Len(t, report.Succeeded(), 3)
		assert.Equal(t, []byte("data-b.csv.gz"), remote.files["b.csv.gz"])
		assert.FileExists(t, filepath.Join(dir, "b.csv.gz"), "local files are kept")
	})

	t.Run("failures are aggregated", func(t *testing.T) {
		dir := setupUploadDir(t)
		remote := newMemoryRemote()
		errDenied := errors.New("permission denied")
		remote.fail["a.csv.gz"] = errDenied
		remote.fail["c.csv.gz"] = errDenied

		report, err := NewUploader(remote, 3, nil, nil).UploadAll(context.Background(), dir)
		require.Error(t, err)
		assert.ErrorIs(t, err, errDenied)
		assert.Len(t, multierr.Errors(err), 2)
		assert.Equal(t, []string{"b.csv.gz"}, report.Succeeded())
	})

	t.Run("re-running uploads everything again", func(t *testing.T) {
		dir := setupUploadDir(t)
		remote := newMemoryRemote()
		u := NewUploader(remote, 2, nil, nil)

		_, err := u.UploadAll(context.Background(), dir)
		require.NoError(t, err)
		_, err = u.UploadAll(context.Background(), dir)
		require.NoError(t, err)
		assert.Equal(t, 6, remote.stores)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := NewUploader(newMemoryRemote(), 1, nil, nil).UploadAll(context.Background(), filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestContextReaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := io.Copy(io.Discard, &contextReader{ctx: ctx, r: bytes.NewReader([]byte("x"))})
	assert.ErrorIs(t, err, context.Canceled)
}
