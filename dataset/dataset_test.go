package dataset

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB creates a SQLite database file with the given statements applied
func newTestDB(t *testing.T, stmts ...string) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dataset.sqlite")
	db, err := sql.Open(DriverName, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	return db, path
}

func TestDataset_Tables(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t,
		`CREATE TABLE people (name TEXT, age INTEGER)`,
		`CREATE TABLE "sales report" (region TEXT, total REAL, note TEXT)`,
		`CREATE TABLE _grids (checksum TEXT, title TEXT, url TEXT)`,
		`CREATE TABLE _meta (key TEXT)`,
	)
	ds := New(db)

	tables, err := ds.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Table{
		{Name: "people", Columns: model.Header{"name", "age"}, Declared: []string{"TEXT", "INTEGER"}},
		{Name: "sales report", Columns: model.Header{"region", "total", "note"}, Declared: []string{"TEXT", "REAL", "TEXT"}},
	}, tables)
}

func TestDataset_ColumnTypes(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t,
		`CREATE TABLE items (id INTEGER, code INTEGER, price REAL, qty INT, label, added DATETIME)`,
		`INSERT INTO items VALUES (1, 10, 1.5, 1, 'a', '2024-01-02')`,
		`INSERT INTO items VALUES (2, 'n/a', 2, 2.5, 3, NULL)`,
		`CREATE TABLE empty (n INTEGER)`,
	)
	ds := New(db)

	tables, err := ds.Tables(t.Context())
	require.NoError(t, err)
	require.Len(t, tables, 2)

	types, err := ds.ColumnTypes(t.Context(), tables[1])
	require.NoError(t, err)
	assert.Equal(t, []model.ColumnType{
		model.ColumnTypeInteger,
		model.ColumnTypeText, // declared INTEGER but holds 'n/a'
		model.ColumnTypeReal,
		model.ColumnTypeReal, // declared INT but holds 2.5
		model.ColumnTypeText,
		model.ColumnTypeDatetime,
	}, types)

	types, err = ds.ColumnTypes(t.Context(), tables[0])
	require.NoError(t, err)
	assert.Equal(t, []model.ColumnType{model.ColumnTypeInteger}, types, "an empty table keeps the declared types")

	_, err = ds.ColumnTypes(t.Context(), Table{Name: "missing", Columns: model.Header{"n"}, Declared: []string{"INTEGER"}})
	assert.Error(t, err)
}

func TestDataset_Grids(t *testing.T) {
	t.Parallel()

	t.Run("lists grids", func(t *testing.T) {
		t.Parallel()

		db, _ := newTestDB(t,
			`CREATE TABLE _grids (checksum TEXT, title TEXT, url TEXT)`,
			`INSERT INTO _grids VALUES ('abc123', 'Budget 2024', 'grids/abc123.html')`,
			`INSERT INTO _grids VALUES ('def456', NULL, 'file:///tmp/def456.html')`,
		)
		grids, err := New(db).Grids(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []Grid{
			{Checksum: "abc123", Title: "Budget 2024", URL: "grids/abc123.html"},
			{Checksum: "def456", Title: "def456", URL: "file:///tmp/def456.html"},
		}, grids)
	})

	t.Run("missing _grids table is not an error", func(t *testing.T) {
		t.Parallel()

		db, _ := newTestDB(t, `CREATE TABLE people (name TEXT)`)
		grids, err := New(db).Grids(context.Background())
		require.NoError(t, err)
		assert.Empty(t, grids)
	})
}

func TestDataset_Rows(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t,
		`CREATE TABLE numbers (n INTEGER, label TEXT, ratio REAL, blob BLOB)`,
	)
	for i := range 7 {
		_, err := db.Exec(`INSERT INTO numbers VALUES (?, ?, ?, ?)`, i, nil, float64(i)/2, []byte("b"))
		require.NoError(t, err)
	}

	ds := New(db, WithPageSize(3))
	tables, err := ds.Tables(context.Background())
	require.NoError(t, err)
	require.Len(t, tables, 1)

	reader := ds.Rows(tables[0])
	var got []model.Record
	for {
		rec, err := reader.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}

	require.Len(t, got, 7)
	assert.Equal(t, model.Record{"0", "", "0", "b"}, got[0])
	assert.Equal(t, model.Record{"3", "", "1.5", "b"}, got[3])
	assert.Equal(t, model.Record{"6", "", "3", "b"}, got[6])
}

func TestDataset_RowsExactPage(t *testing.T) {
	t.Parallel()

	db, _ := newTestDB(t,
		`CREATE TABLE t (v TEXT)`,
		`INSERT INTO t VALUES ('a'), ('b')`,
	)
	ds := New(db, WithPageSize(2))
	reader := ds.Rows(Table{Name: "t", Columns: model.Header{"v"}})

	for _, want := range []string{"a", "b"} {
		rec, err := reader.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.Record{want}, rec)
	}
	_, err := reader.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	_, path := newTestDB(t, `CREATE TABLE t (v TEXT)`)

	ds, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer ds.Close()

	tables, err := ds.Tables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables, 1)
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "nil", value: nil, want: ""},
		{name: "string", value: "x", want: "x"},
		{name: "bytes", value: []byte("raw"), want: "raw"},
		{name: "int64", value: int64(-42), want: "-42"},
		{name: "float64", value: 2.25, want: "2.25"},
		{name: "bool", value: true, want: "1"},
		{name: "time", value: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), want: "2024-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatValue(tt.value))
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"people"`, QuoteIdentifier("people"))
	assert.Equal(t, `"say ""hi"""`, QuoteIdentifier(`say "hi"`))
}
