package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/airframesio/bi-toolkit/cmd/warehouse"
)

func writeQueryDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, sql := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "archive.sql"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadQueryFiles(t *testing.T) {
	dir := writeQueryDir(t, map[string]string{
		"get_sales.sql": "SELECT * FROM sales",
		"get_stock.sql": "SELECT * FROM stock",
		"setup.sql":     "CREATE TABLE x (id INT)",
		"README.md":     "not a query",
	})

	t.Run("all queries sorted", func(t *testing.T) {
		queries, err := loadQueryFiles(dir, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, q := range queries {
			names = append(names, q.Name)
		}
		want := []string{"get_sales", "get_stock", "setup"}
		if len(names) != len(want) {
			t.Fatalf("expected %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, names)
			}
		}
		if queries[0].SQL != "SELECT * FROM sales" {
			t.Errorf("unexpected SQL %q", queries[0].SQL)
		}
	})

	t.Run("exclusion accepts both spellings", func(t *testing.T) {
		queries, err := loadQueryFiles(dir, nil, []string{"setup.sql", "get_stock"})
		if err != nil {
			t.Fatal(err)
		}
		if len(queries) != 1 || queries[0].Name != "get_sales" {
			t.Fatalf("unexpected queries: %+v", queries)
		}
	})

	t.Run("named subset", func(t *testing.T) {
		queries, err := loadQueryFiles(dir, []string{"get_stock", "get_stock.sql"}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(queries) != 1 || queries[0].Name != "get_stock" {
			t.Fatalf("unexpected queries: %+v", queries)
		}
	})

	t.Run("missing named query", func(t *testing.T) {
		_, err := loadQueryFiles(dir, []string{"get_nothing"}, nil)
		if !errors.Is(err, ErrQueryNotFound) {
			t.Fatalf("expected ErrQueryNotFound, got %v", err)
		}
	})
}

func TestQueryRecord(t *testing.T) {
	record := queryRecord("get_sales", map[string]string{"job": "nightly", "query_name": "overridden"})
	if record["query_name"] != "get_sales" {
		t.Errorf("query_name should win over extra columns, got %v", record["query_name"])
	}
	if record["job"] != "nightly" {
		t.Errorf("expected extra column, got %v", record["job"])
	}
}

func TestWriteRows(t *testing.T) {
	rows := []map[string]any{
		{"store": "a", "id": int64(1)},
		{"store": "b", "id": int64(2)},
		{"store": "c", "id": int64(3)},
	}

	t.Run("csv in chunks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "get_sales.csv")
		n, err := writeRows(warehouse.NewSliceRows(rows), path, "csv", 2)
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Fatalf("expected 3 rows, got %d", n)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		want := "id,store\n1,a\n2,b\n3,c\n"
		if string(data) != want {
			t.Fatalf("expected %q, got %q", want, string(data))
		}
	})

	t.Run("jsonl", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "get_sales.jsonl")
		if _, err := writeRows(warehouse.NewSliceRows(rows[:1]), path, "jsonl", 100); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "{\"id\":1,\"store\":\"a\"}\n" {
			t.Fatalf("unexpected JSONL %q", string(data))
		}
	})

	t.Run("empty result leaves an empty file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.parquet")
		n, err := writeRows(warehouse.NewSliceRows(nil), path, "parquet", 100)
		if err != nil {
			t.Fatal(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 || info.Size() != 0 {
			t.Fatalf("expected empty output, got %d rows and %d bytes", n, info.Size())
		}
	})

	t.Run("unknown format removes the output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "get_sales.xml")
		if _, err := writeRows(warehouse.NewSliceRows(rows), path, "xml", 100); err == nil {
			t.Fatal("expected an error for an unknown format")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatal("partial output should be removed")
		}
	})
}
