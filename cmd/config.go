package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/airframesio/bi-toolkit/cmd/compressors"
	"github.com/airframesio/bi-toolkit/cmd/formatters"
	"github.com/airframesio/bi-toolkit/cmd/pathtemplate"
	"github.com/airframesio/bi-toolkit/cmd/warehouse"
)

// Static errors for configuration validation
var (
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 1000")
	ErrWorkingDirRequired      = errors.New("working directory is required")
	ErrTablesRequired          = errors.New("at least one table or a table pattern is required")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be 1-1024 characters and contain only letters, numbers, underscores, and dashes")
	ErrTablePatternInvalid     = errors.New("table pattern is not a valid regular expression")
	ErrProjectRequired         = errors.New("BigQuery project is required")
	ErrDatasetRequired         = errors.New("BigQuery dataset is required")
	ErrDestinationRequired     = errors.New("export destination template is required")
	ErrDestinationInvalid      = errors.New("export destination must be a gs:// URI")
	ErrTimeoutInvalid          = errors.New("timeouts must be >= 0 seconds")
	ErrFetchSourceRequired     = errors.New("fetch needs gs:// URIs or a destination template with tables")
	ErrChunkSizeMinimum        = errors.New("chunk size must be at least 100")
	ErrChunkSizeMaximum        = errors.New("chunk size must not exceed 1000000")
	ErrFinisherInvalid         = errors.New("finisher must be one of: command, native")
	ErrCommandRequired         = errors.New("compress and remove commands must not be empty")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrRemoteInvalid           = errors.New("remote must be one of: sftp, ftp, s3")
	ErrRemoteHostRequired      = errors.New("remote host is required")
	ErrRemoteUserRequired      = errors.New("remote user is required")
	ErrRemotePortInvalid       = errors.New("remote port must be between 0 and 65535")
	ErrHostKeyPolicyRequired   = errors.New("sftp needs a known hosts file or --sftp-insecure-ignore-host-key")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrQueryDirRequired        = errors.New("query directory is required")
	ErrBackendInvalid          = errors.New("backend must be one of: bigquery, replica")
	ErrErrorTableRequired      = errors.New("error table is required")
	ErrErrorKeysRequired       = errors.New("error key and timestamp key are required")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: jsonl, csv, parquet")
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 1 and 65535")
	ErrLoadFileRequired        = errors.New("a parquet file to load is required")
	ErrLoadTableRequired       = errors.New("destination table is required")
	ErrPipelineFormatInvalid   = errors.New("pipeline exports must be PARQUET or NEWLINE_DELIMITED_JSON to be consolidated")
)

// Commands that share the Config
const (
	commandExport      = "export"
	commandFetch       = "fetch"
	commandConsolidate = "consolidate"
	commandUpload      = "upload"
	commandQuery       = "query"
	commandLoad        = "load"
	commandPipeline    = "pipeline"
)

const (
	finisherCommand = "command"
	finisherNative  = "native"

	remoteSFTP = "sftp"
	remoteFTP  = "ftp"
	remoteS3   = "s3"

	backendBigQuery = "bigquery"
	backendReplica  = "replica"

	regionAuto = "auto"
)

type Config struct {
	Command         string
	Debug           bool
	LogFormat       string
	Workers         int
	WorkingDir      string
	MetricsAddr     string
	ContinueOnError bool
	Tables          []string
	TablePattern    string
	Sources         []string // gs:// URIs given to fetch
	Warehouse       WarehouseConfig
	Consolidate     ConsolidateConfig
	Upload          UploadConfig
	Query           QueryConfig
	Replica         DatabaseConfig
	Load            LoadConfig
}

type WarehouseConfig struct {
	ProjectID           string
	DatasetID           string
	CredentialsFile     string
	Location            string
	ExportTimeout       int // Seconds to wait for one extract job (0 = default)
	QueryTimeout        int // Seconds to wait for one query job (0 = default)
	DestinationTemplate string
	Format              string
	Compression         string
}

type ConsolidateConfig struct {
	OutputTemplate   string
	ChunkSize        int
	Finisher         string // command or native
	CompressCommand  []string
	RemoveCommand    []string
	CompressSuffix   string // appended by CompressCommand
	Compression      string // native finisher only
	CompressionLevel int
	StopOnError      bool
}

type UploadConfig struct {
	Remote    string
	SourceDir string // defaults to the working directory
	SFTP      SFTPConfig
	FTP       FTPConfig
	S3        S3Config
}

type SFTPConfig struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	RemoteDir             string
	Timeout               int
}

type FTPConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	RemoteDir string
	Timeout   int
	PoolSize  int
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

type QueryConfig struct {
	Dir              string
	Names            []string // run only these queries
	Exclude          []string
	Backend          string
	ErrorTable       string
	ErrorKey         string
	TimestampKey     string
	EnsureErrorTable bool
	Extra            map[string]string // extra columns merged into every error row
	OutputDir        string
	OutputFormat     string
	ChunkSize        int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type LoadConfig struct {
	File  string
	Table string
}

// validTableName covers BigQuery table ids as exported by this tool
var validTableName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validRegion is what S3-compatible regions look like
var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidTableName validates a table name before it is substituted into URIs and file names
func isValidTableName(name string) bool {
	if name == "" || len(name) > 1024 {
		return false
	}
	return validTableName.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidOutputFormat validates the query output format
func isValidOutputFormat(format string) bool {
	validFormats := map[string]bool{
		formatters.OutputJSONL:   true,
		formatters.OutputCSV:     true,
		formatters.OutputParquet: true,
	}
	return validFormats[format]
}

// isValidCompression validates the native finisher compression
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
	}
	return validCompressions[compression]
}

func (c *Config) Validate() error {
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	// More than 1000 workers is unreasonable for network-bound tasks
	if c.Workers > 1000 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	for _, table := range c.Tables {
		if !isValidTableName(table) {
			return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, table)
		}
	}
	if c.TablePattern != "" {
		if _, err := regexp.Compile(c.TablePattern); err != nil {
			return fmt.Errorf("%w: %w", ErrTablePatternInvalid, err)
		}
	}

	switch c.Command {
	case commandExport:
		if err := c.validateTables(true); err != nil {
			return err
		}
		return c.validateExport()
	case commandFetch:
		if c.WorkingDir == "" {
			return ErrWorkingDirRequired
		}
		if len(c.Sources) > 0 {
			return nil
		}
		if c.Warehouse.DestinationTemplate == "" || (len(c.Tables) == 0 && c.TablePattern == "") {
			return ErrFetchSourceRequired
		}
		return c.validateExport()
	case commandConsolidate:
		if err := c.validateTables(false); err != nil {
			return err
		}
		return c.validateConsolidate()
	case commandUpload:
		return c.validateUpload()
	case commandQuery:
		return c.validateQuery()
	case commandLoad:
		return c.validateLoad()
	case commandPipeline:
		if err := c.validateTables(true); err != nil {
			return err
		}
		if err := c.validateExport(); err != nil {
			return err
		}
		// consolidation reads parquet and JSON lines partitions only
		if format, _ := warehouse.ParseFormat(c.Warehouse.Format); format != warehouse.FormatParquet && format != warehouse.FormatJSON {
			return fmt.Errorf("%w, got %s", ErrPipelineFormatInvalid, c.Warehouse.Format)
		}
		if err := pathtemplate.New(c.Warehouse.DestinationTemplate).ValidatePartitionName(); err != nil {
			return err
		}
		if err := c.validateConsolidate(); err != nil {
			return err
		}
		return c.validateUpload()
	}
	return nil
}

func (c *Config) validateTables(allowPattern bool) error {
	if len(c.Tables) > 0 || (allowPattern && c.TablePattern != "") {
		return nil
	}
	return ErrTablesRequired
}

func (c *Config) validateWarehouse() error {
	if c.Warehouse.ProjectID == "" {
		return ErrProjectRequired
	}
	if c.Warehouse.ExportTimeout < 0 || c.Warehouse.QueryTimeout < 0 {
		return ErrTimeoutInvalid
	}
	return nil
}

func (c *Config) validateExport() error {
	if err := c.validateWarehouse(); err != nil {
		return err
	}
	if c.Warehouse.DatasetID == "" {
		return ErrDatasetRequired
	}

	if c.Warehouse.DestinationTemplate == "" {
		return ErrDestinationRequired
	}
	if !strings.HasPrefix(c.Warehouse.DestinationTemplate, "gs://") {
		return fmt.Errorf("%w: '%s'", ErrDestinationInvalid, c.Warehouse.DestinationTemplate)
	}
	if err := pathtemplate.New(c.Warehouse.DestinationTemplate).Validate(); err != nil {
		return err
	}

	if _, err := warehouse.ParseFormat(c.Warehouse.Format); err != nil {
		return err
	}
	if _, err := warehouse.ParseCompression(c.Warehouse.Compression); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateConsolidate() error {
	if c.WorkingDir == "" {
		return ErrWorkingDirRequired
	}
	if c.Consolidate.OutputTemplate != "" {
		if err := pathtemplate.New(c.Consolidate.OutputTemplate).ValidateFileName(); err != nil {
			return err
		}
	}

	// Validate chunk size (if set)
	if c.Consolidate.ChunkSize > 0 {
		if c.Consolidate.ChunkSize < 100 {
			return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, c.Consolidate.ChunkSize)
		}
		if c.Consolidate.ChunkSize > 1000000 {
			return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, c.Consolidate.ChunkSize)
		}
	}

	switch c.Consolidate.Finisher {
	case finisherCommand:
		if len(c.Consolidate.CompressCommand) == 0 || len(c.Consolidate.RemoveCommand) == 0 {
			return ErrCommandRequired
		}
	case finisherNative:
		if !isValidCompression(c.Consolidate.Compression) {
			return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Consolidate.Compression)
		}
		// 0 picks the compressor's default level
		if c.Consolidate.CompressionLevel != 0 && !compressors.IsValidLevel(c.Consolidate.Compression, c.Consolidate.CompressionLevel) {
			return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Consolidate.Compression, c.Consolidate.CompressionLevel)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrFinisherInvalid, c.Consolidate.Finisher)
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.SourceDir == "" && c.WorkingDir == "" {
		return ErrWorkingDirRequired
	}

	switch c.Upload.Remote {
	case remoteSFTP:
		s := c.Upload.SFTP
		if err := validateServer(s.Host, s.User, s.Port); err != nil {
			return err
		}
		if s.KnownHostsFile == "" && !s.InsecureIgnoreHostKey {
			return ErrHostKeyPolicyRequired
		}
	case remoteFTP:
		f := c.Upload.FTP
		if err := validateServer(f.Host, f.User, f.Port); err != nil {
			return err
		}
	case remoteS3:
		if c.Upload.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.Upload.S3.Region != "" && c.Upload.S3.Region != regionAuto && !isValidRegion(c.Upload.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.Upload.S3.Region)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrRemoteInvalid, c.Upload.Remote)
	}
	return nil
}

func validateServer(host, user string, port int) error {
	if host == "" {
		return ErrRemoteHostRequired
	}
	if user == "" {
		return ErrRemoteUserRequired
	}
	// 0 means the protocol default
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w, got %d", ErrRemotePortInvalid, port)
	}
	return nil
}

func (c *Config) validateQuery() error {
	q := c.Query
	if q.Dir == "" {
		return ErrQueryDirRequired
	}
	if q.ErrorTable == "" {
		return ErrErrorTableRequired
	}
	if q.ErrorKey == "" || q.TimestampKey == "" {
		return ErrErrorKeysRequired
	}

	switch q.Backend {
	case backendBigQuery:
		if err := c.validateWarehouse(); err != nil {
			return err
		}
	case backendReplica:
		if err := c.Replica.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrBackendInvalid, q.Backend)
	}
	if _, err := c.ErrorTableRef(); err != nil {
		return err
	}

	if q.OutputDir != "" {
		if !isValidOutputFormat(q.OutputFormat) {
			return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, q.OutputFormat)
		}
		if q.ChunkSize < 1 {
			return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, q.ChunkSize)
		}
	}
	return nil
}

func (d DatabaseConfig) validate() error {
	if d.User == "" {
		return ErrDatabaseUserRequired
	}
	if d.Name == "" {
		return ErrDatabaseNameRequired
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, d.Port)
	}
	return nil
}

func (c *Config) validateLoad() error {
	if err := c.validateWarehouse(); err != nil {
		return err
	}
	if c.Load.File == "" {
		return ErrLoadFileRequired
	}
	if c.Load.Table == "" {
		return ErrLoadTableRequired
	}
	_, err := warehouse.ParseTableRef(c.Load.Table, c.Warehouse.ProjectID)
	return err
}

// ErrorTableRef resolves the error table for the configured backend.
// The replica accepts a bare table name or schema.table.
func (c *Config) ErrorTableRef() (warehouse.TableRef, error) {
	if c.Query.Backend == backendReplica && !strings.Contains(c.Query.ErrorTable, ".") {
		return warehouse.TableRef{TableID: c.Query.ErrorTable}, nil
	}
	project := c.Warehouse.ProjectID
	if c.Query.Backend == backendReplica {
		project = ""
	}
	return warehouse.ParseTableRef(c.Query.ErrorTable, project)
}
