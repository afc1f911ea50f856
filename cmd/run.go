package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/consolidate"
	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/airframesio/bi-toolkit/cmd/formatters"
	"github.com/airframesio/bi-toolkit/cmd/replica"
	"github.com/airframesio/bi-toolkit/cmd/sink"
	"github.com/airframesio/bi-toolkit/cmd/transfer"
	"github.com/airframesio/bi-toolkit/cmd/warehouse"
	"go.uber.org/multierr"
)

// ErrNothingExported stops the pipeline when every export failed
var ErrNothingExported = errors.New("no table was exported")

// Stage names used for metrics labels
const (
	stageExport      = "export"
	stageFetch       = "fetch"
	stageConsolidate = "consolidate"
	stageUpload      = "upload"
	stageQuery       = "query"
)

func readCredentials(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return data, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func connectWarehouse(ctx context.Context, config *Config) (*warehouse.BigQuery, error) {
	creds, err := readCredentials(config.Warehouse.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return warehouse.Connect(ctx, warehouse.Config{
		ProjectID:       config.Warehouse.ProjectID,
		CredentialsJSON: creds,
		Location:        config.Warehouse.Location,
		ExportTimeout:   seconds(config.Warehouse.ExportTimeout),
		QueryTimeout:    seconds(config.Warehouse.QueryTimeout),
	}, logger)
}

// tableLister is the part of the warehouse used to expand a table pattern
type tableLister interface {
	ListTables(ctx context.Context, project, dataset string, pattern *regexp.Regexp) ([]string, error)
}

// resolveTables returns the configured tables followed by the dataset tables matching the
// table pattern, each once
func resolveTables(ctx context.Context, lister tableLister, config *Config) ([]string, error) {
	tables := append([]string(nil), config.Tables...)

	if config.TablePattern != "" {
		pattern, err := regexp.Compile(config.TablePattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTablePatternInvalid, err)
		}
		listed, err := lister.ListTables(ctx, config.Warehouse.ProjectID, config.Warehouse.DatasetID, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		logger.Debug(fmt.Sprintf("Pattern %q matched %d tables", config.TablePattern, len(listed)))
		tables = append(tables, listed...)
	}

	seen := make(map[string]bool, len(tables))
	unique := tables[:0]
	for _, table := range tables {
		if seen[table] {
			continue
		}
		seen[table] = true
		unique = append(unique, table)
	}
	if len(unique) == 0 {
		return nil, ErrTablesRequired
	}
	return unique, nil
}

func newExporter(env *runEnv, exporter warehouse.TableExporter) (*warehouse.Exporter, error) {
	format, err := warehouse.ParseFormat(env.config.Warehouse.Format)
	if err != nil {
		return nil, err
	}
	compression, err := warehouse.ParseCompression(env.config.Warehouse.Compression)
	if err != nil {
		return nil, err
	}
	return warehouse.NewExporter(exporter, warehouse.ExporterConfig{
		Workers:     env.config.Workers,
		Format:      format,
		Compression: compression,
	}, logger, env.observer(stageExport)), nil
}

// exportTables exports every table and returns the jobs, so later stages see the same destinations
func exportTables(ctx context.Context, env *runEnv, bq warehouse.TableExporter, tables []string) (*fanout.Report, []warehouse.TableExportJob, error) {
	exporter, err := newExporter(env, bq)
	if err != nil {
		return nil, nil, err
	}
	w := env.config.Warehouse
	jobs, err := exporter.Jobs(tables, w.DestinationTemplate, w.ProjectID, w.DatasetID)
	if err != nil {
		return nil, nil, err
	}

	env.phase(PhaseExporting, len(jobs), fmt.Sprintf("📤 Exporting %d tables to %s", len(jobs), w.DestinationTemplate))
	report, err := exporter.Run(ctx, jobs)
	logReport(stageExport, report)
	return report, jobs, err
}

// fetchAll downloads every URI into dir. A failing URI never stops the others.
func fetchAll(ctx context.Context, env *runEnv, source transfer.ObjectSource, uris []string, dir string) error {
	env.phase(PhaseFetching, 0, fmt.Sprintf("📥 Downloading %d export locations into %s", len(uris), dir))

	fetcher := transfer.NewFetcher(source, env.config.Workers, logger, env.observer(stageFetch))
	var errs error
	for _, uri := range uris {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		report, err := fetcher.FetchAll(ctx, uri, dir)
		if report != nil {
			logReport(stageFetch, report)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fetching %s: %w", uri, err))
		}
	}
	return errs
}

func newFinisher(c ConsolidateConfig) (consolidate.Finisher, error) {
	switch c.Finisher {
	case finisherCommand:
		if len(c.CompressCommand) == 0 || len(c.RemoveCommand) == 0 {
			return nil, ErrCommandRequired
		}
		return &consolidate.CommandFinisher{
			CompressCommand: c.CompressCommand,
			RemoveCommand:   c.RemoveCommand,
			Suffix:          c.CompressSuffix,
		}, nil
	case finisherNative:
		return consolidate.NewNativeFinisher(c.Compression, c.CompressionLevel)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrFinisherInvalid, c.Finisher)
	}
}

func consolidateTables(ctx context.Context, env *runEnv, tables []string) error {
	finisher, err := newFinisher(env.config.Consolidate)
	if err != nil {
		return err
	}
	c := env.config.Consolidate
	consolidator, err := consolidate.New(consolidate.Config{
		WorkingDir:     env.config.WorkingDir,
		OutputTemplate: c.OutputTemplate,
		ChunkSize:      c.ChunkSize,
		StopOnError:    c.StopOnError,
	}, finisher, logger, env)
	if err != nil {
		return err
	}

	env.phase(PhaseConsolidating, len(tables), fmt.Sprintf("🗜️  Consolidating %d tables in %s", len(tables), env.config.WorkingDir))
	summary, err := consolidator.Consolidate(ctx, tables)
	if summary != nil {
		var merged, skipped int
		for _, result := range summary.Results {
			switch {
			case result.Skipped():
				skipped++
			case result.Err == nil:
				merged++
				logger.Info(fmt.Sprintf("✅ %s: %d rows from %d partitions -> %s",
					result.Table, result.Rows, len(result.Inputs), filepath.Base(result.Output)))
			}
		}
		logger.Info(fmt.Sprintf("Consolidated %d tables (%d without partitions, %d failed) in %s",
			merged, skipped, len(summary.Failed()), summary.Elapsed.Round(time.Millisecond)))
	}
	return err
}

// newRemote connects to the configured upload destination
func newRemote(ctx context.Context, c UploadConfig, workers int) (transfer.Remote, error) {
	switch c.Remote {
	case remoteSFTP:
		return transfer.DialSFTP(ctx, transfer.SFTPConfig{
			Host:                  c.SFTP.Host,
			Port:                  c.SFTP.Port,
			User:                  c.SFTP.User,
			Password:              c.SFTP.Password,
			KnownHostsFile:        c.SFTP.KnownHostsFile,
			InsecureIgnoreHostKey: c.SFTP.InsecureIgnoreHostKey,
			RemoteDir:             c.SFTP.RemoteDir,
			Timeout:               seconds(c.SFTP.Timeout),
		})
	case remoteFTP:
		poolSize := c.FTP.PoolSize
		if poolSize <= 0 {
			poolSize = workers
		}
		return transfer.NewFTPRemote(transfer.FTPConfig{
			Host:      c.FTP.Host,
			Port:      c.FTP.Port,
			User:      c.FTP.User,
			Password:  c.FTP.Password,
			RemoteDir: c.FTP.RemoteDir,
			Timeout:   seconds(c.FTP.Timeout),
			PoolSize:  poolSize,
		})
	case remoteS3:
		region := c.S3.Region
		if region == "" {
			region = regionAuto
		}
		return transfer.NewS3Remote(transfer.S3Config{
			Endpoint:  c.S3.Endpoint,
			Region:    region,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Bucket:    c.S3.Bucket,
			Prefix:    c.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrRemoteInvalid, c.Remote)
	}
}

func uploadDir(ctx context.Context, env *runEnv) error {
	dir := env.config.Upload.SourceDir
	if dir == "" {
		dir = env.config.WorkingDir
	}

	remote, err := newRemote(ctx, env.config.Upload, env.config.Workers)
	if err != nil {
		return err
	}
	defer remote.Close()

	uploader := transfer.NewUploader(remote, env.config.Workers, logger, env.observer(stageUpload))
	tasks, err := uploader.Plan(dir)
	if err != nil {
		return err
	}

	env.phase(PhaseUploading, len(tasks), fmt.Sprintf("📡 Uploading %d files from %s via %s", len(tasks), dir, env.config.Upload.Remote))
	report, err := uploader.UploadAll(ctx, dir)
	if report != nil {
		logReport(stageUpload, report)
	}
	return err
}

// logReport summarizes one fan-out batch
func logReport(stage string, report *fanout.Report) {
	failed := report.Failed()
	for _, o := range failed {
		logger.Debug(fmt.Sprintf("%s %s failed after %s: %v", stage, o.Key, o.Duration.Round(time.Millisecond), o.Err))
	}
	if len(failed) > 0 {
		logger.Warn(fmt.Sprintf("⚠️  %s: %d succeeded, %d failed (%s)",
			stage, len(report.Succeeded()), len(failed), report.Elapsed.Round(time.Millisecond)))
		return
	}
	logger.Info(fmt.Sprintf("✅ %s: %d succeeded (%s)", stage, len(report.Succeeded()), report.Elapsed.Round(time.Millisecond)))
}

func runExport(ctx context.Context, env *runEnv) error {
	bq, err := connectWarehouse(ctx, env.config)
	if err != nil {
		return err
	}
	defer bq.Close()

	tables, err := resolveTables(ctx, bq, env.config)
	if err != nil {
		return err
	}
	_, _, err = exportTables(ctx, env, bq, tables)
	return err
}

func runFetch(ctx context.Context, env *runEnv) error {
	config := env.config
	creds, err := readCredentials(config.Warehouse.CredentialsFile)
	if err != nil {
		return err
	}

	uris := config.Sources
	if len(uris) == 0 {
		// render the destination of every table for the current hour
		bq, err := connectWarehouse(ctx, config)
		if err != nil {
			return err
		}
		defer bq.Close()

		tables, err := resolveTables(ctx, bq, config)
		if err != nil {
			return err
		}
		exporter, err := newExporter(env, bq)
		if err != nil {
			return err
		}
		jobs, err := exporter.Jobs(tables, config.Warehouse.DestinationTemplate, config.Warehouse.ProjectID, config.Warehouse.DatasetID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			uris = append(uris, job.DestinationURI)
		}
	}

	source, err := transfer.NewGCSSource(ctx, creds)
	if err != nil {
		return err
	}
	defer source.Close()

	return fetchAll(ctx, env, source, uris, config.WorkingDir)
}

func runConsolidate(ctx context.Context, env *runEnv) error {
	return consolidateTables(ctx, env, env.config.Tables)
}

func runUpload(ctx context.Context, env *runEnv) error {
	return uploadDir(ctx, env)
}

// queryBackend is a warehouse that can both run queries and take error rows
type queryBackend interface {
	warehouse.Querier
	warehouse.Appender
	Close() error
}

func openQueryBackend(ctx context.Context, config *Config) (queryBackend, error) {
	if config.Query.Backend == backendReplica {
		r := config.Replica
		return replica.Open(ctx, replica.Config{
			Host:     r.Host,
			Port:     r.Port,
			User:     r.User,
			Password: r.Password,
			Name:     r.Name,
			SSLMode:  r.SSLMode,
		})
	}
	return connectWarehouse(ctx, config)
}

// errorRowSchema is the shape of the rows the sink appends for this configuration
func errorRowSchema(q QueryConfig) map[string]any {
	record := queryRecord("", q.Extra)
	record[q.ErrorKey] = ""
	record[q.TimestampKey] = time.Time{}
	return record
}

func runQuery(ctx context.Context, env *runEnv) error {
	config := env.config
	q := config.Query

	queries, err := loadQueryFiles(q.Dir, q.Names, q.Exclude)
	if err != nil {
		return err
	}
	if len(queries) == 0 {
		logger.Warn(fmt.Sprintf("⚠️  No queries found in %s", q.Dir))
		return nil
	}
	errorTable, err := config.ErrorTableRef()
	if err != nil {
		return err
	}
	if q.OutputDir != "" {
		if err := os.MkdirAll(q.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	backend, err := openQueryBackend(ctx, config)
	if err != nil {
		return err
	}
	defer backend.Close()

	if bq, ok := backend.(*warehouse.BigQuery); ok && q.EnsureErrorTable {
		created, err := bq.EnsureTable(ctx, errorTable, warehouse.SchemaFromRecord(errorRowSchema(q)))
		if err != nil {
			return err
		}
		if created {
			logger.Info(fmt.Sprintf("📋 Created error table %s", errorTable))
		}
	}

	executor := sink.New(backend, backend, logger, sink.WithRecorder(env.collector))

	byName := make(map[string]queryFile, len(queries))
	names := make([]string, 0, len(queries))
	for _, query := range queries {
		byName[query.Name] = query
		names = append(names, query.Name)
	}

	env.phase(PhaseQuerying, len(names), fmt.Sprintf("🔎 Running %d queries on %s", len(names), q.Backend))
	report := fanout.Run(ctx, names, config.Workers, func(ctx context.Context, name string) error {
		return runQueryFile(ctx, executor, config, errorTable, byName[name])
	}, env.observer(stageQuery))
	logReport(stageQuery, report)

	return report.Err()
}

// runQueryFile runs one query through the sink and saves or drains its rows
func runQueryFile(ctx context.Context, executor *sink.Executor, config *Config, errorTable warehouse.TableRef, query queryFile) error {
	q := config.Query
	out := executor.Execute(ctx, sink.Request{
		Query:        query.SQL,
		Options:      warehouse.QueryOptions{Timeout: seconds(config.Warehouse.QueryTimeout)},
		Record:       queryRecord(query.Name, q.Extra),
		ErrorKey:     q.ErrorKey,
		TimestampKey: q.TimestampKey,
		Table:        errorTable,
	})
	if out.Err != nil {
		if out.InsertErr != nil {
			logger.Error(fmt.Sprintf("❌ %s failed and couldn't be recorded in %s: %v", query.Name, errorTable, out.InsertErr))
		}
		return out.Err
	}

	if q.OutputDir == "" {
		n, err := warehouse.Drain(out.Rows, func(map[string]any) error { return nil })
		if err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("✅ %s returned %d rows", query.Name, n))
		return nil
	}

	path := filepath.Join(q.OutputDir, query.Name+formatters.OutputExtension(q.OutputFormat))
	n, err := writeRows(out.Rows, path, q.OutputFormat, q.ChunkSize)
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("✅ %s: %d rows -> %s", query.Name, n, path))
	return nil
}

func runLoad(ctx context.Context, env *runEnv) error {
	config := env.config
	table, err := warehouse.ParseTableRef(config.Load.Table, config.Warehouse.ProjectID)
	if err != nil {
		return err
	}

	bq, err := connectWarehouse(ctx, config)
	if err != nil {
		return err
	}
	defer bq.Close()

	logger.Info(fmt.Sprintf("📦 Loading %s into %s", config.Load.File, table))
	start := time.Now()
	if err := bq.LoadFile(ctx, table, config.Load.File); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("✅ Loaded %s in %s", filepath.Base(config.Load.File), time.Since(start).Round(time.Millisecond)))
	return nil
}

// runPipeline chains export, fetch, consolidate and upload. Only tables that exported are
// fetched and consolidated.
func runPipeline(ctx context.Context, env *runEnv) error {
	config := env.config

	release, err := AcquireWorkingDirLock(config.WorkingDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn(fmt.Sprintf("⚠️  Couldn't release lock: %v", err))
		}
	}()
	defer func() {
		_ = RemoveTaskFile()
	}()

	bq, err := connectWarehouse(ctx, config)
	if err != nil {
		return err
	}
	defer bq.Close()

	tables, err := resolveTables(ctx, bq, config)
	if err != nil {
		return err
	}
	if env.taskInfo != nil {
		env.taskInfo.Tables = tables
	}

	var errs error
	stageFailed := func(stage string, err error) bool {
		if err == nil {
			return false
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", stage, err))
		if ctx.Err() != nil {
			return true
		}
		if config.ContinueOnError {
			logger.Warn(fmt.Sprintf("⚠️  %s stage had failures, continuing", stage))
			return false
		}
		return true
	}

	report, jobs, err := exportTables(ctx, env, bq, tables)
	if stageFailed(stageExport, err) {
		return errs
	}
	if report == nil {
		return errs
	}

	exported := make(map[string]bool)
	for _, table := range report.Succeeded() {
		exported[table] = true
	}
	var uris []string
	var succeeded []string
	for _, job := range jobs {
		if exported[job.TableID] {
			uris = append(uris, job.DestinationURI)
			succeeded = append(succeeded, job.TableID)
		}
	}
	if len(succeeded) == 0 {
		return multierr.Append(errs, ErrNothingExported)
	}

	creds, err := readCredentials(config.Warehouse.CredentialsFile)
	if err != nil {
		return multierr.Append(errs, err)
	}
	source, err := transfer.NewGCSSource(ctx, creds)
	if err != nil {
		return multierr.Append(errs, err)
	}
	defer source.Close()

	if stageFailed(stageFetch, fetchAll(ctx, env, source, uris, config.WorkingDir)) {
		return errs
	}
	if stageFailed(stageConsolidate, consolidateTables(ctx, env, succeeded)) {
		return errs
	}
	stageFailed(stageUpload, uploadDir(ctx, env))

	env.phase(PhaseComplete, 0, "🏁 Pipeline finished")
	return errs
}
