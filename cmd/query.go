package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airframesio/bi-toolkit/cmd/formatters"
	"github.com/airframesio/bi-toolkit/cmd/warehouse"
)

// ErrQueryNotFound is returned when a requested query has no .sql file
var ErrQueryNotFound = errors.New("query file not found")

const sqlExtension = ".sql"

// queryFile is one named query loaded from disk
type queryFile struct {
	Name string
	Path string
	SQL  string
}

// loadQueryFiles reads the .sql files of dir, sorted by name. When names is not empty only
// those queries are loaded; exclude drops queries by name. Both accept names with or without
// the .sql extension.
func loadQueryFiles(dir string, names, exclude []string) ([]queryFile, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[strings.TrimSuffix(name, sqlExtension)] = true
	}

	var candidates []string
	if len(names) > 0 {
		for _, name := range names {
			candidates = append(candidates, strings.TrimSuffix(name, sqlExtension)+sqlExtension)
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list query directory: %w", err)
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), sqlExtension) {
				candidates = append(candidates, entry.Name())
			}
		}
	}
	sort.Strings(candidates)

	var queries []queryFile
	seen := make(map[string]bool, len(candidates))
	for _, file := range candidates {
		name := strings.TrimSuffix(file, sqlExtension)
		if excluded[name] || seen[name] {
			continue
		}
		seen[name] = true

		path := filepath.Join(dir, file)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, path)
			}
			return nil, fmt.Errorf("failed to read query %s: %w", path, err)
		}
		queries = append(queries, queryFile{Name: name, Path: path, SQL: string(data)})
	}
	return queries, nil
}

// queryRecord is the caller-supplied part of the error row for one query
func queryRecord(name string, extra map[string]string) map[string]any {
	record := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		record[k] = v
	}
	record["query_name"] = name
	return record
}

// writeRows streams rows into path in the given output format, chunkSize rows at a time.
// The CSV header is the sorted column set of the first row.
func writeRows(rows warehouse.Rows, path, format string, chunkSize int) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	var writer formatters.StreamWriter
	chunk := make([]map[string]interface{}, 0, chunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if writer == nil {
			columns := make([]string, 0, len(chunk[0]))
			for col := range chunk[0] {
				columns = append(columns, col)
			}
			sort.Strings(columns)

			w, err := formatters.NewStreamWriter(format, f, columns)
			if err != nil {
				return err
			}
			writer = w
		}
		if err := writer.WriteChunk(chunk); err != nil {
			return err
		}
		chunk = make([]map[string]interface{}, 0, chunkSize)
		return nil
	}

	n, err := warehouse.Drain(rows, func(row map[string]any) error {
		chunk = append(chunk, row)
		if len(chunk) >= chunkSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if writer != nil {
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return n, nil
}
