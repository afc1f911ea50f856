package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ObjectSource lists and reads objects from a bucket
type ObjectSource interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Open(ctx context.Context, bucket, name string) (io.ReadCloser, error)
}

// ParseGCSURI splits gs://bucket/prefix into its parts. Anything from the first '*' on
// is dropped from the prefix and returned as a glob over object base names.
func ParseGCSURI(uri string) (bucket, prefix, glob string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok || rest == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidGCSURI, uri)
	}

	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidGCSURI, uri)
	}
	if i := strings.Index(prefix, "*"); i >= 0 {
		glob = path.Base(prefix)
		prefix = prefix[:i]
	}
	return bucket, prefix, glob, nil
}

// GCSSource reads objects from Google Cloud Storage
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a storage client; empty credentials use application defaults
func NewGCSSource(ctx context.Context, credentialsJSON []byte) (*GCSSource, error) {
	var opts []option.ClientOption
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// List returns the names of every object under prefix, skipping directory placeholders
func (g *GCSSource) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("listing gs://%s/%s: %w", bucket, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Open streams one object
func (g *GCSSource) Open(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	return g.client.Bucket(bucket).Object(name).NewReader(ctx)
}

// Close releases the storage client
func (g *GCSSource) Close() error {
	return g.client.Close()
}

// Fetcher downloads exported objects into a local directory in parallel
type Fetcher struct {
	source   ObjectSource
	workers  int
	logger   *slog.Logger
	observer fanout.Observer
}

// NewFetcher creates a fetcher; workers <= 0 uses the number of CPUs
func NewFetcher(source ObjectSource, workers int, logger *slog.Logger, observer fanout.Observer) *Fetcher {
	if workers <= 0 {
		workers = fanout.DefaultWorkers()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{source: source, workers: workers, logger: logger, observer: observer}
}

// FetchAll downloads every object matching uri into localDir under its base name
func (f *Fetcher) FetchAll(ctx context.Context, uri, localDir string) (*fanout.Report, error) {
	bucket, prefix, glob, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	names, err := f.source.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, name := range names {
		if glob != "" {
			if ok, _ := path.Match(glob, path.Base(name)); !ok {
				continue
			}
		}
		keys = append(keys, name)
	}

	f.logger.Info(fmt.Sprintf("Downloading %d objects from gs://%s/%s", len(keys), bucket, prefix))

	report := fanout.Run(ctx, keys, f.workers, func(ctx context.Context, name string) error {
		return f.download(ctx, bucket, name, localDir)
	}, fanout.Observers(f.logOutcome, f.observer))

	f.logger.Info("Download finished",
		"succeeded", len(report.Succeeded()),
		"failed", len(report.Failed()),
		"elapsed", report.Elapsed.Round(time.Millisecond))

	return report, report.Err()
}

// download writes to a hidden temp file first so partial objects never look like partitions
func (f *Fetcher) download(ctx context.Context, bucket, name, localDir string) error {
	base := path.Base(name)
	dst := filepath.Join(localDir, base)
	tmp := filepath.Join(localDir, "."+base+".part")

	r, err := f.source.Open(ctx, bucket, name)
	if err != nil {
		return fmt.Errorf("opening gs://%s/%s: %w", bucket, name, err)
	}
	defer r.Close()

	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, &contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("downloading gs://%s/%s: %w", bucket, name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

func (f *Fetcher) logOutcome(o fanout.Outcome) {
	if o.Err != nil {
		f.logger.Error("Download failed", "object", o.Key, "error", o.Err)
		return
	}
	f.logger.Debug("Downloaded object", "object", o.Key)
}
