package consolidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/airframesio/bi-toolkit/cmd/compressors"
	"go.uber.org/multierr"
)

// Finisher compresses a merged file and removes the partitions it was built from
type Finisher interface {
	// Compress turns path into a finished artifact and returns the artifact path
	Compress(ctx context.Context, path string) (string, error)
	// Remove deletes exactly the given files
	Remove(ctx context.Context, paths []string) error
	// ArtifactSuffix is appended to a merged file name by Compress
	ArtifactSuffix() string
}

// CommandError is a non-zero exit (or failed start) of an external command
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d): %v", e.Command, e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CommandFinisher shells out to external tools, by default `gzip --fast` and `rm -f --`.
// Arguments are passed as argv, never through a shell.
type CommandFinisher struct {
	CompressCommand []string
	RemoveCommand   []string
	Suffix          string
}

// NewCommandFinisher returns a finisher running gzip --fast and rm -f
func NewCommandFinisher() *CommandFinisher {
	return &CommandFinisher{
		CompressCommand: []string{"gzip", "--fast"},
		RemoveCommand:   []string{"rm", "-f", "--"},
		Suffix:          ".gz",
	}
}

// ArtifactSuffix returns the suffix the compress command appends
func (f *CommandFinisher) ArtifactSuffix() string {
	return f.Suffix
}

// Compress runs the compress command on path
func (f *CommandFinisher) Compress(ctx context.Context, path string) (string, error) {
	if err := runCommand(ctx, f.CompressCommand, path); err != nil {
		return "", err
	}
	return path + f.Suffix, nil
}

// Remove runs the remove command once with every path as an argument
func (f *CommandFinisher) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return runCommand(ctx, f.RemoveCommand, paths...)
}

func runCommand(ctx context.Context, base []string, args ...string) error {
	if len(base) == 0 {
		return &CommandError{Command: "<empty>", ExitCode: -1, Err: ErrCommandNotConfigured}
	}

	argv := append(append([]string(nil), base[1:]...), args...)
	cmd := exec.CommandContext(ctx, base[0], argv...)

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CommandError{
			Command:  base[0],
			Args:     argv,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderrBuf.String()),
			Err:      err,
		}
	}
	return nil
}

// NativeFinisher compresses in-process through the compressors package
type NativeFinisher struct {
	compressor compressors.Compressor
	level      int
}

// NewNativeFinisher returns a finisher for the named compression (gzip, zstd, lz4)
func NewNativeFinisher(compression string, level int) (*NativeFinisher, error) {
	c, err := compressors.GetCompressor(compression)
	if err != nil {
		return nil, err
	}
	if c.Extension() == "" {
		return nil, fmt.Errorf("%w: %s", ErrCompressionRequired, compression)
	}
	if level == 0 {
		level = c.DefaultLevel()
	}
	if !compressors.IsValidLevel(compression, level) {
		return nil, fmt.Errorf("%w: %d for %s", ErrInvalidCompressionLevel, level, compression)
	}
	return &NativeFinisher{compressor: c, level: level}, nil
}

// ArtifactSuffix returns the compressor's file extension
func (f *NativeFinisher) ArtifactSuffix() string {
	return f.compressor.Extension()
}

// Compress streams path into path+extension and removes path on success.
// An existing artifact is never overwritten.
func (f *NativeFinisher) Compress(ctx context.Context, path string) (string, error) {
	dst := path + f.compressor.Extension()

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open merged file: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}

	if err := f.copyCompressed(ctx, out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to remove merged file after compression: %w", err)
	}
	return dst, nil
}

func (f *NativeFinisher) copyCompressed(ctx context.Context, dst io.Writer, src io.Reader) error {
	zw, err := f.compressor.NewWriter(dst, f.level)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := io.Copy(zw, &contextReader{ctx: ctx, r: src}); err != nil {
		zw.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	return nil
}

// Remove deletes every path; files already gone are not an error
func (f *NativeFinisher) Remove(_ context.Context, paths []string) error {
	var errs error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
