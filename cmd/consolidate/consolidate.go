package consolidate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/formatters"
	"github.com/airframesio/bi-toolkit/cmd/pathtemplate"
	"go.uber.org/multierr"
)

var (
	ErrSchemaMismatch          = formatters.ErrSchemaMismatch
	ErrUnsupportedInput        = formatters.ErrUnsupportedInput
	ErrUnsupportedColumn       = formatters.ErrUnsupportedColumn
	ErrCommandNotConfigured    = errors.New("command is not configured")
	ErrInvalidCompressionLevel = errors.New("invalid compression level")
	ErrCompressionRequired     = errors.New("native finisher needs a compression that changes the file extension")
	ErrWorkingDirRequired      = errors.New("working directory is required")
)

// DefaultOutputTemplate names the merged file for a table
const DefaultOutputTemplate = "{table_name}.csv"

// DefaultChunkSize is how many rows are moved per read/write round
const DefaultChunkSize = 10000

// DefaultArtifactSuffixes are never picked up as partition inputs
var DefaultArtifactSuffixes = []string{".csv", ".csv.gz"}

// ConsolidationError ties a merge, compression or deletion failure to its table
type ConsolidationError struct {
	Table string
	Err   error
}

func (e *ConsolidationError) Error() string {
	return fmt.Sprintf("consolidation of %s failed: %v", e.Table, e.Err)
}

func (e *ConsolidationError) Unwrap() error {
	return e.Err
}

// Recorder receives per-table consolidation timings
type Recorder interface {
	ObserveConsolidation(table string, duration time.Duration, err error)
}

// Config controls where partitions are read from and how they are merged
type Config struct {
	WorkingDir       string
	OutputTemplate   string
	ChunkSize        int
	StopOnError      bool
	ArtifactSuffixes []string
}

// Task is the plan for consolidating one table
type Task struct {
	TableName  string
	InputFiles []string
	OutputPath string
}

// TableResult is what happened to one table
type TableResult struct {
	Table    string
	Inputs   []string
	Output   string
	Rows     int64
	Duration time.Duration
	Err      error
}

// Skipped reports whether the table had no partitions to merge
func (r TableResult) Skipped() bool {
	return r.Err == nil && len(r.Inputs) == 0
}

// Summary lists every table the consolidator attempted, in order
type Summary struct {
	Results []TableResult
	Elapsed time.Duration
}

// Failed returns the results that ended in an error
func (s *Summary) Failed() []TableResult {
	var failed []TableResult
	for _, r := range s.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Consolidator merges exported partition files into one compressed artifact per table
type Consolidator struct {
	config   Config
	template *pathtemplate.PathTemplate
	finisher Finisher
	logger   *slog.Logger
	recorder Recorder
}

// New creates a consolidator; a nil logger discards output and a nil recorder records nothing
func New(config Config, finisher Finisher, logger *slog.Logger, recorder Recorder) (*Consolidator, error) {
	if config.WorkingDir == "" {
		return nil, ErrWorkingDirRequired
	}
	if config.OutputTemplate == "" {
		config.OutputTemplate = DefaultOutputTemplate
	}
	template := pathtemplate.New(config.OutputTemplate)
	if err := template.ValidateFileName(); err != nil {
		return nil, err
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ArtifactSuffixes == nil {
		config.ArtifactSuffixes = DefaultArtifactSuffixes
	}
	if finisher == nil {
		finisher = NewCommandFinisher()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Consolidator{
		config:   config,
		template: template,
		finisher: finisher,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Plan lists the working directory and captures the partition files for a table.
// The returned list is what gets merged and, later, exactly what gets deleted.
func (c *Consolidator) Plan(table string) (*Task, error) {
	entries, err := os.ReadDir(c.config.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list working directory: %w", err)
	}

	outputName := c.template.Generate(table, time.Time{})
	task := &Task{
		TableName:  table,
		OutputPath: filepath.Join(c.config.WorkingDir, outputName),
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.Contains(name, table) {
			continue
		}
		// in-flight downloads and other hidden files
		if strings.HasPrefix(name, ".") {
			continue
		}
		if name == outputName || name == outputName+c.finisher.ArtifactSuffix() || c.isArtifact(name) {
			continue
		}
		task.InputFiles = append(task.InputFiles, filepath.Join(c.config.WorkingDir, name))
	}
	sort.Strings(task.InputFiles)

	return task, nil
}

func (c *Consolidator) isArtifact(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range c.config.ArtifactSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	if suffix := c.finisher.ArtifactSuffix(); suffix != "" && strings.HasSuffix(lower, ".csv"+suffix) {
		return true
	}
	return false
}

// Consolidate processes each table in turn. A failing table is logged and the batch
// continues unless StopOnError is set; every failure is returned together at the end.
func (c *Consolidator) Consolidate(ctx context.Context, tables []string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	seen := make(map[string]bool, len(tables))

	var errs error
	for _, table := range tables {
		if seen[table] {
			continue
		}
		seen[table] = true

		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}

		result := c.consolidateTable(ctx, table)
		summary.Results = append(summary.Results, result)
		if c.recorder != nil && !result.Skipped() {
			c.recorder.ObserveConsolidation(table, result.Duration, result.Err)
		}

		if result.Err != nil {
			errs = multierr.Append(errs, result.Err)
			c.logger.Error("Table consolidation failed", "table", table, "error", result.Err)
			if c.config.StopOnError {
				break
			}
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, errs
}

func (c *Consolidator) consolidateTable(ctx context.Context, table string) TableResult {
	start := time.Now()
	result := TableResult{Table: table}

	fail := func(err error) TableResult {
		result.Err = &ConsolidationError{Table: table, Err: err}
		result.Duration = time.Since(start)
		return result
	}

	task, err := c.Plan(table)
	if err != nil {
		return fail(err)
	}
	result.Inputs = task.InputFiles

	if len(task.InputFiles) == 0 {
		c.logger.Info(fmt.Sprintf("No partition files found for %s, skipping", table))
		result.Duration = time.Since(start)
		return result
	}

	c.logger.Debug(fmt.Sprintf("Merging %d partition files for %s", len(task.InputFiles), table))

	rows, err := c.merge(ctx, task)
	if err != nil {
		os.Remove(task.OutputPath)
		return fail(err)
	}
	result.Rows = rows

	artifact, err := c.finisher.Compress(ctx, task.OutputPath)
	if err != nil {
		return fail(fmt.Errorf("compression failed, partitions kept: %w", err))
	}
	result.Output = artifact

	if err := c.finisher.Remove(ctx, task.InputFiles); err != nil {
		return fail(fmt.Errorf("failed to remove partitions: %w", err))
	}

	result.Duration = time.Since(start)
	c.logger.Info("Consolidated table",
		"table", table,
		"partitions", len(task.InputFiles),
		"rows", rows,
		"output", artifact,
		"elapsed", result.Duration.Round(time.Millisecond))
	return result
}

// merge streams every input into one CSV under the header of the first partition
func (c *Consolidator) merge(ctx context.Context, task *Task) (int64, error) {
	out, err := os.Create(task.OutputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create merged file: %w", err)
	}
	defer out.Close()

	var writer *formatters.CSVWriter
	var rows int64

	for _, input := range task.InputFiles {
		n, w, err := c.appendInput(ctx, out, writer, input)
		if err != nil {
			return rows, fmt.Errorf("%s: %w", filepath.Base(input), err)
		}
		writer = w
		rows += n
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			return rows, err
		}
	}
	if err := out.Sync(); err != nil {
		return rows, fmt.Errorf("failed to sync merged file: %w", err)
	}
	return rows, nil
}

func (c *Consolidator) appendInput(ctx context.Context, out io.Writer, writer *formatters.CSVWriter, input string) (int64, *formatters.CSVWriter, error) {
	reader, err := formatters.OpenRowReader(input)
	if err != nil {
		return 0, writer, err
	}
	defer reader.Close()

	columns := reader.Columns()
	if len(columns) > 0 {
		if writer == nil {
			writer, err = formatters.NewCSVWriter(out, columns)
			if err != nil {
				return 0, nil, err
			}
		} else if !formatters.SameColumns(writer.Columns(), columns) {
			return 0, writer, fmt.Errorf("%w: got %v, want %v", ErrSchemaMismatch, columns, writer.Columns())
		}
	}

	var rows int64
	for {
		if err := ctx.Err(); err != nil {
			return rows, writer, err
		}
		chunk, err := reader.ReadChunk(c.config.ChunkSize)
		if err == io.EOF {
			return rows, writer, nil
		}
		if err != nil {
			return rows, writer, err
		}
		if err := writer.WriteChunk(chunk); err != nil {
			return rows, writer, err
		}
		rows += int64(len(chunk))
	}
}
