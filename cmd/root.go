package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/consolidate"
	"github.com/airframesio/bi-toolkit/cmd/fanout"
	"github.com/airframesio/bi-toolkit/cmd/metrics"
	"github.com/airframesio/bi-toolkit/cmd/sink"
	"github.com/airframesio/bi-toolkit/cmd/warehouse"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/bi-toolkit/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	envFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// shutdownGrace leaves room for an in-flight error row insert after SIGINT/SIGTERM
const shutdownGrace = sink.DefaultInsertTimeout + 5*time.Second

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")

	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, " %s=%v", a.Key, a.Value)
		return true
	})

	_, err := fmt.Fprintf(h.writer, "%s %s %s%s\n", timestamp, r.Level.String(), r.Message, attrs.String())
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore handler-level attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// logLevel maps the debug flag onto a slog level
func logLevel(isDebug bool) slog.Level {
	if isDebug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: logLevel(isDebug),
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "bi-toolkit",
	Version: Version,
	Short:   "📊 Move BI tables between BigQuery, object storage and file servers",
	Long: titleStyle.Render("BI Toolkit") + `

A CLI for the daily business-intelligence data run.
Exports warehouse tables to GCS in parallel, downloads the exported partitions, merges them into
one compressed CSV per table and ships the results to SFTP, FTP or S3-compatible storage.
Also runs directories of SQL queries, recording every failure in an error log table.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		bindFlags(cmd)
	},
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export BigQuery tables to GCS in parallel",
	Long:  `Starts one extract job per table and waits for all of them. A failing table never stops the others.`,
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandExport, args, runExport)
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [gs://bucket/prefix...]",
	Short: "Download exported objects into the working directory",
	Long: `Downloads every object under the given gs:// prefixes into the working directory.
Without arguments the export destination is rendered for each table.`,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandFetch, args, runFetch)
	},
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge partition files into one compressed CSV per table",
	Long: `Merges every partition file containing the table name into one CSV, compresses it and
deletes exactly the merged partitions. Partitions are kept whenever compression fails.`,
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandConsolidate, args, runConsolidate)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload every file of a directory to SFTP, FTP or S3",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandUpload, args, runUpload)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [name...]",
	Short: "Run SQL files, logging every failure to an error table",
	Long: `Runs every .sql file of the query directory (or only the named ones) against BigQuery or the
PostgreSQL replica. A failing query appends a row with its name, the error and the failure time
to the error table. Results can be written to files with --output-dir.`,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandQuery, args, runQuery)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <file.parquet>",
	Short: "Append a local parquet file to a BigQuery table",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandLoad, args, runLoad)
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Export, fetch, consolidate and upload in one run",
	Long: `Runs export, fetch, consolidate and upload with one configuration.
A failing stage stops the run unless --continue-on-error is set.`,
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, args []string) {
		runCommand(commandPipeline, args, runPipeline)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// flagKeys maps flag names onto viper keys
var flagKeys = map[string]string{
	"debug":             "debug",
	"log-format":        "log_format",
	"workers":           "workers",
	"working-dir":       "working_dir",
	"metrics-addr":      "metrics_addr",
	"tables":            "tables",
	"table-pattern":     "table_pattern",
	"continue-on-error": "continue_on_error",

	"bq-project":         "bigquery.project",
	"bq-dataset":         "bigquery.dataset",
	"bq-credentials":     "bigquery.credentials_file",
	"bq-location":        "bigquery.location",
	"bq-export-timeout":  "bigquery.export_timeout",
	"bq-query-timeout":   "bigquery.query_timeout",
	"destination":        "export.destination",
	"export-format":      "export.format",
	"export-compression": "export.compression",

	"output-template":   "consolidate.output_template",
	"chunk-size":        "consolidate.chunk_size",
	"finisher":          "consolidate.finisher",
	"compress-command":  "consolidate.compress_command",
	"remove-command":    "consolidate.remove_command",
	"compress-suffix":   "consolidate.compress_suffix",
	"compression":       "consolidate.compression",
	"compression-level": "consolidate.compression_level",
	"stop-on-error":     "consolidate.stop_on_error",

	"remote":                        "upload.remote",
	"source-dir":                    "upload.source_dir",
	"sftp-host":                     "sftp.host",
	"sftp-port":                     "sftp.port",
	"sftp-user":                     "sftp.user",
	"sftp-password":                 "sftp.password",
	"sftp-known-hosts":              "sftp.known_hosts",
	"sftp-insecure-ignore-host-key": "sftp.insecure_ignore_host_key",
	"sftp-remote-dir":               "sftp.remote_dir",
	"sftp-timeout":                  "sftp.timeout",
	"ftp-host":                      "ftp.host",
	"ftp-port":                      "ftp.port",
	"ftp-user":                      "ftp.user",
	"ftp-password":                  "ftp.password",
	"ftp-remote-dir":                "ftp.remote_dir",
	"ftp-timeout":                   "ftp.timeout",
	"ftp-pool-size":                 "ftp.pool_size",
	"s3-endpoint":                   "s3.endpoint",
	"s3-bucket":                     "s3.bucket",
	"s3-access-key":                 "s3.access_key",
	"s3-secret-key":                 "s3.secret_key",
	"s3-region":                     "s3.region",
	"s3-prefix":                     "s3.prefix",

	"query-dir":          "query.dir",
	"exclude":            "query.exclude",
	"backend":            "query.backend",
	"error-table":        "query.error_table",
	"error-key":          "query.error_key",
	"timestamp-key":      "query.timestamp_key",
	"ensure-error-table": "query.ensure_error_table",
	"extra":              "query.extra",
	"output-dir":         "query.output_dir",
	"output-format":      "query.output_format",
	"output-chunk-size":  "query.chunk_size",

	"db-host":     "db.host",
	"db-port":     "db.port",
	"db-user":     "db.user",
	"db-password": "db.password",
	"db-name":     "db.name",
	"db-sslmode":  "db.sslmode",

	"table": "load.table",
}

// bindFlags binds the flags of the command being run. Binding at run time keeps commands that
// share flag names from overriding each other's bindings.
func bindFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	})
}

func addTableFlags(cmd *cobra.Command, withPattern bool) {
	cmd.Flags().StringSlice("tables", nil, "tables to process (comma separated)")
	if withPattern {
		cmd.Flags().String("table-pattern", "", "regular expression matched from the start of the dataset's table names")
	}
}

func addWarehouseFlags(cmd *cobra.Command) {
	cmd.Flags().String("bq-project", "", "BigQuery project ID")
	cmd.Flags().String("bq-dataset", "", "BigQuery dataset")
	cmd.Flags().String("bq-credentials", "", "service account JSON file (default: application default credentials)")
	cmd.Flags().String("bq-location", warehouse.DefaultLocation, "BigQuery job location")
	cmd.Flags().Int("bq-export-timeout", 0, "seconds to wait for one extract job (0 = 10000)")
	cmd.Flags().Int("bq-query-timeout", 0, "seconds to wait for one query job (0 = 30)")
}

func addExportFlags(cmd *cobra.Command, format warehouse.Format, compression warehouse.Compression) {
	cmd.Flags().String("destination", "", "GCS destination template with placeholders: {table_name}, {YYYY}, {MM}, {DD}, {HH} (required)")
	cmd.Flags().String("export-format", string(format), "export format: CSV, NEWLINE_DELIMITED_JSON, AVRO, PARQUET")
	cmd.Flags().String("export-compression", string(compression), "export compression: NONE, GZIP, SNAPPY, DEFLATE")
}

func addConsolidateFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-template", consolidate.DefaultOutputTemplate, "merged file name template, must contain {table_name}")
	cmd.Flags().Int("chunk-size", consolidate.DefaultChunkSize, "rows moved per read/write round")
	cmd.Flags().String("finisher", finisherCommand, "how merged files are compressed and partitions deleted: command, native")
	cmd.Flags().StringSlice("compress-command", []string{"gzip", "--fast"}, "compress command, the merged file is appended (command finisher)")
	cmd.Flags().StringSlice("remove-command", []string{"rm", "-f", "--"}, "delete command, the merged partitions are appended (command finisher)")
	cmd.Flags().String("compress-suffix", ".gz", "suffix the compress command adds (command finisher)")
	cmd.Flags().String("compression", "gzip", "compression type: zstd, lz4, gzip (native finisher)")
	cmd.Flags().Int("compression-level", 0, "compression level (zstd: 1-22, lz4/gzip: 1-9, 0 = default)")
	cmd.Flags().Bool("stop-on-error", false, "stop at the first table that fails")
}

func addUploadFlags(cmd *cobra.Command) {
	cmd.Flags().String("remote", remoteSFTP, "upload destination: sftp, ftp, s3")
	cmd.Flags().String("source-dir", "", "directory to upload (default: working directory)")

	cmd.Flags().String("sftp-host", "", "SFTP host")
	cmd.Flags().Int("sftp-port", 22, "SFTP port")
	cmd.Flags().String("sftp-user", "", "SFTP user")
	cmd.Flags().String("sftp-password", "", "SFTP password")
	cmd.Flags().String("sftp-known-hosts", "", "known_hosts file used to verify the server key")
	cmd.Flags().Bool("sftp-insecure-ignore-host-key", false, "skip server key verification")
	cmd.Flags().String("sftp-remote-dir", "", "remote directory")
	cmd.Flags().Int("sftp-timeout", 30, "connection timeout in seconds")

	cmd.Flags().String("ftp-host", "", "FTP host")
	cmd.Flags().Int("ftp-port", 21, "FTP port")
	cmd.Flags().String("ftp-user", "", "FTP user")
	cmd.Flags().String("ftp-password", "", "FTP password")
	cmd.Flags().String("ftp-remote-dir", "", "remote directory")
	cmd.Flags().Int("ftp-timeout", 30, "connection timeout in seconds")
	cmd.Flags().Int("ftp-pool-size", 0, "concurrent FTP connections (0 = workers)")

	cmd.Flags().String("s3-endpoint", "", "S3-compatible endpoint URL")
	cmd.Flags().String("s3-bucket", "", "S3 bucket name")
	cmd.Flags().String("s3-access-key", "", "S3 access key")
	cmd.Flags().String("s3-secret-key", "", "S3 secret key")
	cmd.Flags().String("s3-region", regionAuto, "S3 region")
	cmd.Flags().String("s3-prefix", "", "key prefix for uploaded files")
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("query-dir", "sql", "directory holding the .sql files")
	cmd.Flags().StringSlice("exclude", nil, "queries to skip")
	cmd.Flags().String("backend", backendBigQuery, "where queries run: bigquery, replica")
	cmd.Flags().String("error-table", "", "table receiving one row per failed query (dataset.table for BigQuery)")
	cmd.Flags().String("error-key", "error", "column holding the error text")
	cmd.Flags().String("timestamp-key", "timestamp", "column holding the failure time")
	cmd.Flags().Bool("ensure-error-table", true, "create the BigQuery error table when it does not exist")
	cmd.Flags().StringToString("extra", nil, "extra columns for every error row (key=value,...)")
	cmd.Flags().String("output-dir", "", "write each query's rows to <output-dir>/<name>.<format>")
	cmd.Flags().String("output-format", "csv", "output format: csv, jsonl, parquet")
	cmd.Flags().Int("output-chunk-size", consolidate.DefaultChunkSize, "rows per write when saving results")
}

func addReplicaFlags(cmd *cobra.Command) {
	cmd.Flags().String("db-host", "localhost", "PostgreSQL replica host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL replica port")
	cmd.Flags().String("db-user", "", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(pipelineCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bi-toolkit.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().Int("workers", fanout.DefaultWorkers(), "number of parallel workers")
	rootCmd.PersistentFlags().String("working-dir", "", "local directory holding downloaded partitions and merged files")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	addTableFlags(exportCmd, true)
	addWarehouseFlags(exportCmd)
	addExportFlags(exportCmd, warehouse.FormatCSV, warehouse.CompressionGzip)

	addTableFlags(fetchCmd, true)
	addWarehouseFlags(fetchCmd)
	addExportFlags(fetchCmd, warehouse.FormatCSV, warehouse.CompressionGzip)

	addTableFlags(consolidateCmd, false)
	addConsolidateFlags(consolidateCmd)

	addUploadFlags(uploadCmd)

	addWarehouseFlags(queryCmd)
	addQueryFlags(queryCmd)
	addReplicaFlags(queryCmd)

	addWarehouseFlags(loadCmd)
	loadCmd.Flags().String("table", "", "destination table: dataset.table or project.dataset.table (required)")

	addTableFlags(pipelineCmd, true)
	addWarehouseFlags(pipelineCmd)
	// consolidation reads parquet and JSON lines partitions
	addExportFlags(pipelineCmd, warehouse.FormatParquet, warehouse.CompressionSnappy)
	addConsolidateFlags(pipelineCmd)
	addUploadFlags(pipelineCmd)
	pipelineCmd.Flags().Bool("continue-on-error", false, "run the remaining stages after a stage fails")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	_ = viper.BindPFlag("working_dir", rootCmd.PersistentFlags().Lookup("working-dir"))
	_ = viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
}

func initConfig() {
	// .env values never override variables already set in the environment
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Couldn't load %s: %v\n", envFile, err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".bi-toolkit")
	}

	// BI_TOOLKIT_BIGQUERY_PROJECT sets bigquery.project
	viper.SetEnvPrefix("BI_TOOLKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the configuration of one command from viper
func loadConfig(command string, args []string) *Config {
	config := &Config{
		Command:         command,
		Debug:           viper.GetBool("debug"),
		LogFormat:       viper.GetString("log_format"),
		Workers:         viper.GetInt("workers"),
		WorkingDir:      viper.GetString("working_dir"),
		MetricsAddr:     viper.GetString("metrics_addr"),
		ContinueOnError: viper.GetBool("continue_on_error"),
		Tables:          viper.GetStringSlice("tables"),
		TablePattern:    viper.GetString("table_pattern"),
		Warehouse: WarehouseConfig{
			ProjectID:           viper.GetString("bigquery.project"),
			DatasetID:           viper.GetString("bigquery.dataset"),
			CredentialsFile:     viper.GetString("bigquery.credentials_file"),
			Location:            viper.GetString("bigquery.location"),
			ExportTimeout:       viper.GetInt("bigquery.export_timeout"),
			QueryTimeout:        viper.GetInt("bigquery.query_timeout"),
			DestinationTemplate: viper.GetString("export.destination"),
			Format:              viper.GetString("export.format"),
			Compression:         viper.GetString("export.compression"),
		},
		Consolidate: ConsolidateConfig{
			OutputTemplate:   viper.GetString("consolidate.output_template"),
			ChunkSize:        viper.GetInt("consolidate.chunk_size"),
			Finisher:         viper.GetString("consolidate.finisher"),
			CompressCommand:  viper.GetStringSlice("consolidate.compress_command"),
			RemoveCommand:    viper.GetStringSlice("consolidate.remove_command"),
			CompressSuffix:   viper.GetString("consolidate.compress_suffix"),
			Compression:      viper.GetString("consolidate.compression"),
			CompressionLevel: viper.GetInt("consolidate.compression_level"),
			StopOnError:      viper.GetBool("consolidate.stop_on_error"),
		},
		Upload: UploadConfig{
			Remote:    viper.GetString("upload.remote"),
			SourceDir: viper.GetString("upload.source_dir"),
			SFTP: SFTPConfig{
				Host:                  viper.GetString("sftp.host"),
				Port:                  viper.GetInt("sftp.port"),
				User:                  viper.GetString("sftp.user"),
				Password:              viper.GetString("sftp.password"),
				KnownHostsFile:        viper.GetString("sftp.known_hosts"),
				InsecureIgnoreHostKey: viper.GetBool("sftp.insecure_ignore_host_key"),
				RemoteDir:             viper.GetString("sftp.remote_dir"),
				Timeout:               viper.GetInt("sftp.timeout"),
			},
			FTP: FTPConfig{
				Host:      viper.GetString("ftp.host"),
				Port:      viper.GetInt("ftp.port"),
				User:      viper.GetString("ftp.user"),
				Password:  viper.GetString("ftp.password"),
				RemoteDir: viper.GetString("ftp.remote_dir"),
				Timeout:   viper.GetInt("ftp.timeout"),
				PoolSize:  viper.GetInt("ftp.pool_size"),
			},
			S3: S3Config{
				Endpoint:  viper.GetString("s3.endpoint"),
				Bucket:    viper.GetString("s3.bucket"),
				AccessKey: viper.GetString("s3.access_key"),
				SecretKey: viper.GetString("s3.secret_key"),
				Region:    viper.GetString("s3.region"),
				Prefix:    viper.GetString("s3.prefix"),
			},
		},
		Query: QueryConfig{
			Dir:              viper.GetString("query.dir"),
			Exclude:          viper.GetStringSlice("query.exclude"),
			Backend:          viper.GetString("query.backend"),
			ErrorTable:       viper.GetString("query.error_table"),
			ErrorKey:         viper.GetString("query.error_key"),
			TimestampKey:     viper.GetString("query.timestamp_key"),
			EnsureErrorTable: viper.GetBool("query.ensure_error_table"),
			Extra:            viper.GetStringMapString("query.extra"),
			OutputDir:        viper.GetString("query.output_dir"),
			OutputFormat:     viper.GetString("query.output_format"),
			ChunkSize:        viper.GetInt("query.chunk_size"),
		},
		Replica: DatabaseConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetInt("db.port"),
			User:     viper.GetString("db.user"),
			Password: viper.GetString("db.password"),
			Name:     viper.GetString("db.name"),
			SSLMode:  viper.GetString("db.sslmode"),
		},
		Load: LoadConfig{
			Table: viper.GetString("load.table"),
		},
	}

	switch command {
	case commandFetch:
		config.Sources = args
	case commandQuery:
		config.Query.Names = args
	case commandLoad:
		if len(args) > 0 {
			config.Load.File = args[0]
		}
	}
	return config
}

// runEnv is what every command body receives besides its context
type runEnv struct {
	config    *Config
	collector *metrics.Collector
	ui        *progressUI
	taskInfo  *TaskInfo
}

// observer reports fan-out outcomes to the metrics collector and the progress display
func (e *runEnv) observer(stage string) fanout.Observer {
	return fanout.Observers(e.collector.Observer(stage), e.ui.Observer())
}

// ObserveConsolidation makes the environment a consolidate.Recorder
func (e *runEnv) ObserveConsolidation(table string, duration time.Duration, err error) {
	e.collector.ObserveConsolidation(table, duration, err)
	e.ui.ObserveConsolidation(table, duration, err)
}

// phase announces a stage to the display, or writes it to the task file directly without one
func (e *runEnv) phase(phase Phase, total int, message string) {
	if e.ui != nil {
		e.ui.Phase(phase, total, message)
		return
	}
	logger.Info(message)
	if e.taskInfo != nil {
		e.taskInfo.CurrentStage = phase.String()
		e.taskInfo.TotalItems = total
		_ = WriteTaskInfo(e.taskInfo)
	}
}

// useProgressUI is true for interactive text-mode runs
func useProgressUI(config *Config) bool {
	if config.Debug || config.LogFormat != "text" || config.Command == commandLoad {
		return false
	}
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// runCommand is the shared lifecycle of every command: configuration, logging, validation,
// signal handling, metrics, progress display and exit codes
func runCommand(command string, args []string, run func(ctx context.Context, env *runEnv) error) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := loadConfig(command, args)

	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 BI Toolkit v%s - %s", Version, command))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Use the signal context created in main() before Cobra initialization
	sigCtx := signalContext
	if sigCtx == nil {
		logger.Warn("Signal context not set, creating fallback...")
		var stop context.CancelFunc
		sigCtx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	// Force exit if graceful shutdown takes too long
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-sigCtx.Done():
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt signal received, shutting down...")

		select {
		case <-exited:
		case <-time.After(shutdownGrace):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()

	env := &runEnv{config: config, collector: metrics.New()}
	if config.MetricsAddr != "" {
		go func() {
			if err := env.collector.Serve(ctx, config.MetricsAddr); err != nil {
				logger.Error(fmt.Sprintf("❌ Metrics server failed: %s", err.Error()))
			}
		}()
		logger.Info(infoStyle.Render(fmt.Sprintf("📈 Serving metrics on %s/metrics", config.MetricsAddr)))
	}

	if command == commandPipeline {
		env.taskInfo = &TaskInfo{
			PID:        os.Getpid(),
			StartTime:  time.Now(),
			WorkingDir: config.WorkingDir,
		}
	}

	if useProgressUI(config) {
		env.ui = startProgressUI(cancel, env.taskInfo)
		logger = slog.New(newProgressLogHandler(env.ui, logLevel(config.Debug)))
	}

	err := run(ctx, env)
	close(exited)

	if uiErr := env.ui.Stop(); uiErr != nil {
		err = errors.Join(err, uiErr)
	}
	// the display is gone, log to stdout again
	initLogger(config.Debug, config.LogFormat)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info(fmt.Sprintf("⚠️  %s cancelled by user", command))
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ %s failed: %s", command, err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("✅ %s completed successfully!", command))
}
