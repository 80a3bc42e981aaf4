package gridexport

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const spannedTable = `<html><body><table>
<tr><th>region</th><th colspan="2">sales</th></tr>
<tr><td rowspan="2">north</td><td>10</td><td>11</td></tr>
<tr><td>12</td><td>13</td></tr>
<tr><td>south</td><td colspan="2">n/a</td></tr>
</table></body></html>`

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path) //nolint:gosec // test file
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExport_MultiSinkConsistency(t *testing.T) {
	t.Parallel()

	for _, merge := range []bool{false, true} {
		t.Run(map[bool]string{false: "flat", true: "merged"}[merge], func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			csvPath := filepath.Join(dir, "sales.csv")
			xlsxPath := filepath.Join(dir, "book.xlsx")

			wb := NewWorkbook(xlsxPath, nil)
			defer wb.Close()
			sinks := []Sink{
				NewDelimitedSink(csvPath, nil, model.NewDumpOptions()),
				wb.AddSheet("sales", SheetOptions{MergeSpans: merge}),
			}

			result, err := Export(t.Context(), NewReaderChunkSource(strings.NewReader(spannedTable), 7), sinks)
			require.NoError(t, err)
			assert.Equal(t, 4, result.Rows)
			assert.Equal(t, 3, result.Columns)
			assert.Empty(t, result.Failures)
			require.NoError(t, wb.Save())

			want := [][]string{
				{"region", "sales", "sales"},
				{"north", "10", "11"},
				{"north", "12", "13"},
				{"south", "n/a", "n/a"},
			}
			assert.Equal(t, want, readCSV(t, csvPath))

			rows, err := openWorkbook(t, xlsxPath).GetRows("sales")
			require.NoError(t, err)
			assert.Equal(t, want, rows, "row N of every sink holds the same values")
		})
	}
}

func TestExport_FatalErrorInstallsNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "broken.csv")
	wb := NewWorkbook(filepath.Join(dir, "book.xlsx"), nil)
	defer wb.Close()
	sheet := wb.AddSheet("broken", SheetOptions{})

	doc := "<table><tr><td>a</td></tr><tr><td>b"
	result, err := Export(t.Context(), NewSliceChunkSource([]byte(doc)), []Sink{
		NewDelimitedSink(csvPath, nil, model.NewDumpOptions()),
		sheet,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedMarkup)
	assert.Zero(t, result.Rows, "the measuring pass fails before any sink is opened")

	assert.NoFileExists(t, csvPath)
	assertNoScratchFiles(t, dir)
	assert.Empty(t, wb.Sheets())
	assert.ErrorIs(t, wb.Save(), ErrDatasetEmpty)
}

func TestExport_RowsHaveEqualWidth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	spoolDir := filepath.Join(dir, "spool")
	csvPath := filepath.Join(dir, "ragged.csv")
	parquetPath := filepath.Join(dir, "ragged.parquet")

	doc := `<tr><td>A</td></tr><tr><td>B</td><td>C</td><td>D</td></tr>`
	result, err := Export(t.Context(), NewReaderChunkSource(strings.NewReader(doc), 4), []Sink{
		NewDelimitedSink(csvPath, nil, model.NewDumpOptions()),
		NewParquetSink(parquetPath, nil).WithBatchSize(1),
	}, WithSpoolDir(spoolDir))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)
	assert.Equal(t, 3, result.Columns)
	assert.Empty(t, result.Failures)

	data, err := os.ReadFile(csvPath) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Equal(t, "A,,\nB,C,D\n", string(data))

	_, rows := readParquet(t, parquetPath)
	assert.Equal(t, [][]string{{"A", "", ""}, {"B", "C", "D"}}, rows)

	entries, err := os.ReadDir(spoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the spool file is removed")
}

func TestExportFrom_OpensTwice(t *testing.T) {
	t.Parallel()

	doc := []byte(`<table><tr><td rowspan="2">X</td></tr><tr><td>Y</td></tr></table>`)
	opened := 0
	open := func() (ChunkSource, error) {
		opened++
		return NewSliceChunkSource(doc), nil
	}
	sink := newRecordingSink("mem")

	result, err := ExportFrom(t.Context(), open, []Sink{sink})
	require.NoError(t, err)
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, result.Columns)
	assert.Equal(t, []model.Record{{"X", ""}, {"X", "Y"}}, sink.rows)

	failing := func() (ChunkSource, error) { return nil, os.ErrNotExist }
	_, err = ExportFrom(t.Context(), failing, []Sink{newRecordingSink("none")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExport_SinkFailureKeepsOthers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.csv")
	bad := newRecordingSink("bad")
	bad.failAt = 0

	result, err := Export(t.Context(), NewSliceChunkSource([]byte(spannedTable)), []Sink{
		bad,
		NewDelimitedSink(good, nil, model.NewDumpOptions()),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSink)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "bad", result.Failures[0].Sink)
	assert.Len(t, readCSV(t, good), 4)
}

func TestExport_Options(t *testing.T) {
	t.Parallel()

	doc := "<table><tr><td> a </td><td rowspan=\"2\">b</td></tr></table>"
	sink := newRecordingSink("mem")
	obs := &recordingObserver{}

	_, err := Export(t.Context(), NewSliceChunkSource([]byte(doc)), []Sink{sink},
		WithParserOptions(WithTrimSpace(true)),
		WithResolverOptions(WithColumns(3), WithFlushTrailingSpans(true)),
		WithWriterOptions(WithObserver(obs)))
	require.NoError(t, err)
	assert.Equal(t, []model.Record{{"a", "b", ""}, {"", "b", ""}}, sink.rows)
	assert.Equal(t, []string{"opened mem", "finalized mem"}, obs.events)
}

func TestMeasureWidth(t *testing.T) {
	t.Parallel()

	width, err := MeasureWidth(t.Context(), NewSliceChunkSource([]byte(spannedTable)))
	require.NoError(t, err)
	assert.Equal(t, 3, width)

	_, err = MeasureWidth(t.Context(), NewSliceChunkSource([]byte("<table><tr><td>a")))
	assert.ErrorIs(t, err, ErrMalformedMarkup)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = MeasureWidth(ctx, NewSliceChunkSource([]byte(spannedTable)))
	assert.Error(t, err)
}

func TestRecordGridSource(t *testing.T) {
	t.Parallel()

	src := NewRecordGridSource(t.Context(), &recordList{records: []model.Record{{"a"}, {"b", "c", "d"}}}, 2)

	first, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, model.Record{"a", ""}, first.Values)

	second, err := src.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, model.Record{"b", "c"}, second.Values)
}
