package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/fanout"
)

// UploadTask is one local file bound for the remote
type UploadTask struct {
	FileName   string
	SourcePath string
}

// Uploader sends every regular file of a directory to a Remote in parallel
type Uploader struct {
	remote   Remote
	workers  int
	logger   *slog.Logger
	observer fanout.Observer
}

// NewUploader creates an uploader; workers <= 0 uses the number of CPUs
func NewUploader(remote Remote, workers int, logger *slog.Logger, observer fanout.Observer) *Uploader {
	if workers <= 0 {
		workers = fanout.DefaultWorkers()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Uploader{remote: remote, workers: workers, logger: logger, observer: observer}
}

// Plan lists sourceDir and returns one task per regular file, sorted by name.
// Directories are skipped; symlinks are followed.
func (u *Uploader) Plan(sourceDir string) ([]UploadTask, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload directory: %w", err)
	}

	var tasks []UploadTask
	for _, entry := range entries {
		path := filepath.Join(sourceDir, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		tasks = append(tasks, UploadTask{FileName: entry.Name(), SourcePath: path})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].FileName < tasks[j].FileName })
	return tasks, nil
}

// UploadAll uploads every file planned for sourceDir. Failures are logged, never retried,
// and returned together once every upload has finished.
func (u *Uploader) UploadAll(ctx context.Context, sourceDir string) (*fanout.Report, error) {
	tasks, err := u.Plan(sourceDir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]UploadTask, len(tasks))
	keys := make([]string, 0, len(tasks))
	for _, task := range tasks {
		byName[task.FileName] = task
		keys = append(keys, task.FileName)
	}

	report := fanout.Run(ctx, keys, u.workers, func(ctx context.Context, name string) error {
		return u.upload(ctx, byName[name])
	}, fanout.Observers(u.logOutcome, u.observer))

	u.logger.Info(fmt.Sprintf("Uploaded %d of %d files in %s",
		len(report.Succeeded()), len(keys), report.Elapsed.Round(time.Millisecond)))

	return report, report.Err()
}

func (u *Uploader) upload(ctx context.Context, task UploadTask) error {
	f, err := os.Open(task.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", task.SourcePath, err)
	}
	defer f.Close()

	return u.remote.Store(ctx, task.FileName, f)
}

func (u *Uploader) logOutcome(o fanout.Outcome) {
	if o.Err != nil {
		u.logger.Error("Couldn't upload file", "file", o.Key, "error", o.Err)
		return
	}
	u.logger.Info(fmt.Sprintf("Uploaded: %s", o.Key))
}
