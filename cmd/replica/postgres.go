package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/warehouse"
	"github.com/lib/pq"
)

// DefaultQueryTimeout bounds a replica query when the caller sets none
const DefaultQueryTimeout = 5 * time.Minute

var (
	ErrInvalidIdentifier = errors.New("invalid SQL identifier")
	ErrEmptyRow          = errors.New("row has no columns")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the replica connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

var connValueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// quoteConnValue single-quotes a keyword/value setting so spaces and quotes survive parsing
func quoteConnValue(v string) string {
	return "'" + connValueEscaper.Replace(v) + "'"
}

// ConnString renders the lib/pq keyword/value connection string
func (c Config) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}

	parts := []string{
		fmt.Sprintf("host=%s", quoteConnValue(c.Host)),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("user=%s", quoteConnValue(c.User)),
		fmt.Sprintf("dbname=%s", quoteConnValue(c.Name)),
		fmt.Sprintf("sslmode=%s", quoteConnValue(sslMode)),
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", quoteConnValue(c.Password)))
	}
	return strings.Join(parts, " ")
}

// Postgres runs queries against a PostgreSQL read replica and appends rows to log tables
type Postgres struct {
	db *sql.DB
}

// Open connects and pings the replica
func Open(ctx context.Context, config Config) (*Postgres, error) {
	db, err := sql.Open("postgres", config.ConnString())
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to replica %s: %w", config.Host, err)
	}
	return New(db), nil
}

// New wraps an open database handle
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the database handle
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Query runs sql with a timeout that also covers reading the rows
func (p *Postgres) Query(ctx context.Context, query string, opts warehouse.QueryOptions) (warehouse.Rows, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)

	rows, err := p.db.QueryContext(queryCtx, query)
	if err != nil {
		cancel()
		return nil, err
	}

	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, err
	}
	return &sqlRows{rows: rows, columns: columns, cancel: cancel}, nil
}

type sqlRows struct {
	rows    *sql.Rows
	columns []string
	cancel  context.CancelFunc
}

func (r *sqlRows) Next() (map[string]any, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(r.columns))
	for i, col := range r.columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}

func (r *sqlRows) Close() error {
	defer r.cancel()
	return r.rows.Close()
}

// QualifiedName quotes schema.table after checking both against the identifier whitelist.
// DatasetID is the schema; an empty schema uses the search path.
func QualifiedName(table warehouse.TableRef) (string, error) {
	if !identifierPattern.MatchString(table.TableID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, table.TableID)
	}
	if table.DatasetID == "" {
		return pq.QuoteIdentifier(table.TableID), nil
	}
	if !identifierPattern.MatchString(table.DatasetID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, table.DatasetID)
	}
	return pq.QuoteIdentifier(table.DatasetID) + "." + pq.QuoteIdentifier(table.TableID), nil
}

// insertStatement builds a parameterized INSERT with columns in sorted order
func insertStatement(table warehouse.TableRef, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, ErrEmptyRow
	}
	name, err := QualifiedName(table)
	if err != nil {
		return "", nil, err
	}

	columns := make([]string, 0, len(row))
	for col := range row {
		if !identifierPattern.MatchString(col) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	//nolint:gosec // identifiers are whitelisted and quoted with pq.QuoteIdentifier
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", name, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return stmt, args, nil
}

// Append inserts one row into table
func (p *Postgres) Append(ctx context.Context, table warehouse.TableRef, row map[string]any) error {
	stmt, args, err := insertStatement(table, row)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("inserting into %s: %w", table.TableID, err)
	}
	return nil
}
