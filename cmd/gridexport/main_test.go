package main

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/nao1215/gridexport/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grid = `<table><tr><th>k</th><th>v</th></tr><tr><td colspan="2">both</td></tr></table>`

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path) //nolint:gosec // test file
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func createDataset(t *testing.T, dir string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(dir, "dataset.sqlite")
	db, err := sql.Open(dataset.DriverName, path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return path
}

func queryStrings(t *testing.T, dbPath, query string) []string {
	t.Helper()
	db, err := sql.Open(dataset.DriverName, dbPath)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(query)
	require.NoError(t, err)
	defer rows.Close()
	var values []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	return values
}

func TestRun_Documents(t *testing.T) {
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "nested", "out")
	path := filepath.Join(in, "Key Values.html")
	require.NoError(t, os.WriteFile(path, []byte(grid), 0600))
	metricsFile := filepath.Join(t.TempDir(), "gridexport.prom")

	var stderr bytes.Buffer
	err := run(t.Context(), []string{"-out", out, "-metrics-file", metricsFile, path}, &stderr)
	require.NoError(t, err, stderr.String())

	assert.Equal(t, [][]string{{"k", "v"}, {"both", "both"}}, readCSV(t, filepath.Join(out, "key_values.csv")))
	assert.FileExists(t, filepath.Join(out, "all_tables.xlsx"))
	assert.Contains(t, stderr.String(), `"msg":"export finished"`)

	metrics, err := os.ReadFile(metricsFile) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `gridexport_rows_total{source="grid"} 2`)
}

func TestRun_DatasetAndReset(t *testing.T) {
	dir := t.TempDir()
	dbPath := createDataset(t, dir,
		`CREATE TABLE items (name TEXT)`,
		`INSERT INTO items VALUES ('pen')`,
		`CREATE TABLE _grids (checksum TEXT, title TEXT, url TEXT)`,
		`INSERT INTO _grids VALUES ('c1', 'Matrix', 'matrix.html')`,
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix.html"), []byte(grid), 0600))
	out := t.TempDir()

	var stderr bytes.Buffer
	require.NoError(t, run(t.Context(), []string{"-db", dbPath, "-out", out}, &stderr), stderr.String())
	assert.Equal(t, [][]string{{"name"}, {"pen"}}, readCSV(t, filepath.Join(out, "items.csv")))
	assert.FileExists(t, filepath.Join(out, "matrix.csv"))
	assert.Equal(t, []string{"generated", "generated", "generated"},
		queryStrings(t, dbPath, "SELECT state FROM _state_files ORDER BY filename"))

	require.NoError(t, run(t.Context(), []string{"-db", dbPath, "-out", out, "-reset"}, &stderr))
	assert.Equal(t, []string{"waiting", "waiting", "waiting"},
		queryStrings(t, dbPath, "SELECT state FROM _state_files ORDER BY filename"))
}

func TestRun_RecordsErrors(t *testing.T) {
	dir := t.TempDir()
	dbPath := createDataset(t, dir, `CREATE TABLE _meta (k TEXT)`)

	var stderr bytes.Buffer
	err := run(t.Context(), []string{"-db", dbPath, "-out", t.TempDir()}, &stderr)
	require.Error(t, err)

	messages := queryStrings(t, dbPath, "SELECT message FROM _error")
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "dataset contains no data")
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no inputs", args: nil},
		{name: "reset without dataset", args: []string{"-reset", "grid.html"}},
		{name: "unknown flag", args: []string{"-verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			err := run(t.Context(), tt.args, &stderr)
			require.Error(t, err)
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridexport.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  format: docx\n"), 0600))

	err := run(t.Context(), []string{"-config", path, "grid.html"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "output.format")
}
