package replica

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/airframesio/bi-toolkit/cmd/sink"
	"github.com/airframesio/bi-toolkit/cmd/warehouse"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name FROM stores").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("north")).
			AddRow(int64(2), nil))

	rows, err := New(db).Query(context.Background(), "SELECT id, name FROM stores", warehouse.QueryOptions{})
	require.NoError(t, err)

	first, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "north"}, first)

	second, err := rows.Next()
	require.NoError(t, err)
	assert.Nil(t, second["name"])

	_, err = rows.Next()
	assert.Equal(t, io.EOF, err)
	require.NoError(t, rows.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "logs"."query_errors" ("error", "job", "ts") VALUES ($1, $2, $3)`)).
		WithArgs("boom", "x", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	table := warehouse.TableRef{DatasetID: "logs", TableID: "query_errors"}
	err = New(db).Append(context.Background(), table, map[string]any{"job": "x", "error": "boom", "ts": ts})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsUnsafeIdentifiers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db)
	tests := []struct {
		name  string
		table warehouse.TableRef
		row   map[string]any
	}{
		{name: "table", table: warehouse.TableRef{TableID: "errs; DROP TABLE x"}, row: map[string]any{"a": 1}},
		{name: "schema", table: warehouse.TableRef{DatasetID: "a-b", TableID: "errs"}, row: map[string]any{"a": 1}},
		{name: "column", table: warehouse.TableRef{TableID: "errs"}, row: map[string]any{"bad col": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Append(context.Background(), tt.table, tt.row)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
		})
	}

	assert.ErrorIs(t, p.Append(context.Background(), warehouse.TableRef{TableID: "errs"}, nil), ErrEmptyRow)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSinkOverReplica(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	errReplica := errors.New(`relation "missing" does not exist`)
	mock.ExpectQuery("SELECT \\* FROM missing").WillReturnError(errReplica)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "query_errors" ("error_message", "error_timestamp", "job") VALUES ($1, $2, $3)`)).
		WithArgs(errReplica.Error(), sqlmock.AnyArg(), "nightly").
		WillReturnResult(sqlmock.NewResult(1, 1))

	p := New(db)
	_, err = sink.New(p, p, nil).RunWithSink(context.Background(), "SELECT * FROM missing",
		map[string]any{"job": "nightly"}, "error_message", "error_timestamp",
		warehouse.TableRef{TableID: "query_errors"})

	assert.ErrorIs(t, err, errReplica)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnString(t *testing.T) {
	c := Config{Host: "replica.internal", User: "bi", Name: "casino"}
	assert.Equal(t, "host='replica.internal' port=5432 user='bi' dbname='casino' sslmode='disable'", c.ConnString())

	c.Password = "secret"
	c.SSLMode = "require"
	assert.Contains(t, c.ConnString(), "password='secret'")
	assert.Contains(t, c.ConnString(), "sslmode='require'")

	c.Password = `pa ss'wo\rd`
	assert.Contains(t, c.ConnString(), `password='pa ss\'wo\\rd'`)
	_, err := pq.NewConnector(c.ConnString())
	require.NoError(t, err, "special characters must not break the connection string")
}
