package gridexport

import (
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	pqfile "github.com/apache/arrow/go/v18/parquet/file"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/nao1215/gridexport/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readParquet returns the schema and the values of every column as strings
func readParquet(t *testing.T, path string) (*arrow.Schema, [][]string) {
	t.Helper()

	pqReader, err := pqfile.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer pqReader.Close()

	arrowReader, err := pqarrow.NewFileReader(pqReader, pqarrow.ArrowReadProperties{}, nil)
	require.NoError(t, err)
	table, err := arrowReader.ReadTable(t.Context())
	require.NoError(t, err)
	defer table.Release()

	tableReader := array.NewTableReader(table, 0)
	defer tableReader.Release()

	var rows [][]string
	for tableReader.Next() {
		batch := tableReader.Record()
		for i := range int(batch.NumRows()) {
			row := make([]string, batch.NumCols())
			for j, col := range batch.Columns() {
				if col.IsNull(i) {
					row[j] = "<null>"
					continue
				}
				row[j] = col.ValueStr(i)
			}
			rows = append(rows, row)
		}
	}
	require.NoError(t, tableReader.Err())
	return table.Schema(), rows
}

func TestParquetSink_TypedColumns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "prices.parquet")
	s := NewParquetSink(path, model.Header{"id", "price", "name"}).
		WithColumnTypes([]model.ColumnType{model.ColumnTypeInteger, model.ColumnTypeReal}).
		WithBatchSize(2)
	assert.Equal(t, "prices.parquet", s.Name())

	writeRows(t, s,
		[]string{"1", "1.5", "apple"},
		[]string{"2", "", "pear"},
		[]string{"3", "2", "plum"},
	)
	assertNoScratchFiles(t, dir)

	schema, rows := readParquet(t, path)
	require.Equal(t, 3, schema.NumFields())
	assert.Equal(t, "id", schema.Field(0).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(1).Type)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(2).Type)

	assert.Equal(t, [][]string{
		{"1", "1.5", "apple"},
		{"2", "<null>", "pear"},
		{"3", "2", "plum"},
	}, rows)
}

func TestParquetSink_GeneratedColumnNames(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "grid.parquet")
	writeRows(t, NewParquetSink(path, nil), []string{"a", "1"}, []string{"b", "2"})

	schema, rows := readParquet(t, path)
	assert.Equal(t, "column_1", schema.Field(0).Name)
	assert.Equal(t, "column_2", schema.Field(1).Name)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(1).Type, "undeclared columns are strings")
	assert.Equal(t, [][]string{{"a", "1"}, {"b", "2"}}, rows)
}

func TestParquetSink_EmptyTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.parquet")
	writeRows(t, NewParquetSink(path, model.Header{"only"}))

	schema, rows := readParquet(t, path)
	assert.Equal(t, "only", schema.Field(0).Name)
	assert.Empty(t, rows)
}

func TestParquetSink_Failures(t *testing.T) {
	t.Parallel()

	t.Run("row wider than the schema", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := NewParquetSink(filepath.Join(dir, "wide.parquet"), nil).WithBatchSize(1)
		require.NoError(t, s.Open())
		require.NoError(t, s.Write(&model.GridRow{Index: 0, Values: model.Record{"a"}}))
		assert.Error(t, s.Write(&model.GridRow{Index: 1, Values: model.Record{"a", "b"}}))
		require.NoError(t, s.Abort())
		assert.NoFileExists(t, filepath.Join(dir, "wide.parquet"))
		assertNoScratchFiles(t, dir)
	})

	t.Run("value not matching the declared type", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s := NewParquetSink(filepath.Join(dir, "typed.parquet"), model.Header{"n"}).
			WithColumnTypes([]model.ColumnType{model.ColumnTypeInteger}).
			WithBatchSize(1)
		require.NoError(t, s.Open())
		require.NoError(t, s.Write(&model.GridRow{Index: 0, Values: model.Record{"1"}}))
		assert.Error(t, s.Write(&model.GridRow{Index: 1, Values: model.Record{"one"}}))
		require.NoError(t, s.Abort())
		assertNoScratchFiles(t, dir)
	})
}

func TestParquetSink_LaterTextInNumericLookingColumn(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "ids.parquet")
	writeRows(t, NewParquetSink(path, model.Header{"id"}).WithBatchSize(2),
		[]string{"1"},
		[]string{"2"},
		[]string{"n/a"},
	)
	assertNoScratchFiles(t, dir)

	schema, rows := readParquet(t, path)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(0).Type)
	assert.Equal(t, [][]string{{"1"}, {"2"}, {"n/a"}}, rows)
}
