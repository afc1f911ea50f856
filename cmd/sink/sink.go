package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/airframesio/bi-toolkit/cmd/warehouse"
)

// DefaultInsertTimeout bounds the error-row insert
const DefaultInsertTimeout = 30 * time.Second

var ErrKeysRequired = errors.New("error and timestamp column names are required")

// State is where a sinked query ended up
type State int

const (
	StateRunning State = iota
	StateSucceeded
	StateFailedLogged
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailedLogged:
		return "FAILED_LOGGED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InsertError is a failed write of the diagnostic row. It is logged, never returned from RunWithSink.
type InsertError struct {
	Table warehouse.TableRef
	Err   error
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("failed to record query error in %s: %v", e.Table, e.Err)
}

func (e *InsertError) Unwrap() error {
	return e.Err
}

// Recorder receives the outcome of every diagnostic insert
type Recorder interface {
	ObserveSinkInsert(err error)
}

// Request is a query plus where and how to record its failure
type Request struct {
	Query        string
	Options      warehouse.QueryOptions
	Record       map[string]any
	ErrorKey     string
	TimestampKey string
	Table        warehouse.TableRef
}

// Outcome is the full result of Execute
type Outcome struct {
	Rows  warehouse.Rows
	State State
	// Err is the query error, unchanged
	Err error
	// Row is the diagnostic row that was appended, nil on success
	Row       map[string]any
	InsertErr error
}

// Executor runs queries and appends a diagnostic row for each one that fails
type Executor struct {
	querier       warehouse.Querier
	appender      warehouse.Appender
	logger        *slog.Logger
	now           func() time.Time
	insertTimeout time.Duration
	recorder      Recorder
}

// Option configures an Executor
type Option func(*Executor)

// WithClock replaces time.Now for the failure timestamp
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithInsertTimeout bounds the diagnostic insert
func WithInsertTimeout(d time.Duration) Option {
	return func(e *Executor) { e.insertTimeout = d }
}

// WithRecorder reports insert outcomes to r
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// New creates an executor. querier and appender may be the same backend.
func New(querier warehouse.Querier, appender warehouse.Appender, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		querier:       querier,
		appender:      appender,
		logger:        logger,
		now:           time.Now,
		insertTimeout: DefaultInsertTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunWithSink runs query. On failure it appends record plus the error text and failure time
// to table, then returns the query error unchanged; a failed append is only logged.
func (e *Executor) RunWithSink(ctx context.Context, query string, record map[string]any, errorKey, timestampKey string, table warehouse.TableRef) (warehouse.Rows, error) {
	out := e.Execute(ctx, Request{
		Query:        query,
		Record:       record,
		ErrorKey:     errorKey,
		TimestampKey: timestampKey,
		Table:        table,
	})
	return out.Rows, out.Err
}

// Execute is RunWithSink with the full outcome
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	if req.ErrorKey == "" || req.TimestampKey == "" {
		return Outcome{State: StateRunning, Err: ErrKeysRequired}
	}

	rows, err := e.querier.Query(ctx, req.Query, req.Options)
	if err == nil {
		return Outcome{Rows: rows, State: StateSucceeded}
	}

	failedAt := e.now()
	e.logger.Error("Query failed", "query", req.Query, "error", err)

	row := make(map[string]any, len(req.Record)+2)
	for k, v := range req.Record {
		row[k] = v
	}
	row[req.ErrorKey] = err.Error()
	row[req.TimestampKey] = failedAt

	// the insert still runs when the query failed because ctx was cancelled
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.insertTimeout)
	defer cancel()

	var insertErr error
	if appendErr := e.appender.Append(insertCtx, req.Table, row); appendErr != nil {
		insertErr = &InsertError{Table: req.Table, Err: appendErr}
		e.logger.Error("Couldn't record query error", "table", req.Table.String(), "error", appendErr)
	}
	if e.recorder != nil {
		e.recorder.ObserveSinkInsert(insertErr)
	}

	return Outcome{State: StateFailedLogged, Err: err, Row: row, InsertErr: insertErr}
}
