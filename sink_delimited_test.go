package gridexport

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRows opens s, writes values as grid rows and finalizes it
func writeRows(t *testing.T, s Sink, values ...[]string) {
	t.Helper()
	require.NoError(t, s.Open())
	for i, v := range values {
		require.NoError(t, s.Write(&model.GridRow{Index: i, Values: v}))
	}
	require.NoError(t, s.Finalize())
}

// assertNoScratchFiles fails when a scratch file was left in dir
func assertNoScratchFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDelimitedSink_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  model.OutputFormat
		header  model.Header
		rows    [][]string
		want    string
		wantExt string
	}{
		{
			name:   "csv with header and quoting",
			format: model.OutputFormatCSV,
			header: model.Header{"name", "note"},
			rows:   [][]string{{"a", "x,y"}, {"b", `say "hi"`}},
			want:   "name,note\na,\"x,y\"\nb,\"say \"\"hi\"\"\"\n",
		},
		{
			name:   "csv without header",
			format: model.OutputFormatCSV,
			rows:   [][]string{{"1", ""}, {"", "2"}},
			want:   "1,\n,2\n",
		},
		{
			name:   "tsv",
			format: model.OutputFormatTSV,
			header: model.Header{"a", "b"},
			rows:   [][]string{{"1", "2"}},
			want:   "a\tb\n1\t2\n",
		},
		{
			name:   "ltsv with header labels",
			format: model.OutputFormatLTSV,
			header: model.Header{"id", "a:b"},
			rows:   [][]string{{"1", "multi\nline"}},
			want:   "id:1\ta_b:multi line\n",
		},
		{
			name:   "ltsv with generated labels",
			format: model.OutputFormatLTSV,
			rows:   [][]string{{"x", "y"}},
			want:   "col1:x\tcol2:y\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			opts := model.NewDumpOptions().WithFormat(tt.format)
			path := filepath.Join(dir, "grid"+opts.FileExtension())

			s := NewDelimitedSink(path, tt.header, opts)
			assert.Equal(t, filepath.Base(path), s.Name())
			writeRows(t, s, tt.rows...)

			got, err := os.ReadFile(path) //nolint:gosec // test file
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assertNoScratchFiles(t, dir)
		})
	}
}

func TestDelimitedSink_Compression(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := model.NewDumpOptions().WithCompression(model.CompressionGZ)
	path := filepath.Join(dir, "grid"+opts.FileExtension())
	require.Equal(t, "grid.csv.gz", filepath.Base(path))

	writeRows(t, NewDelimitedSink(path, model.Header{"a"}, opts), []string{"1"}, []string{"2"})

	src, err := OpenFileChunkSource(path, 0)
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "a\n1\n2\n", readAllChunks(t, src))

	f, err := os.Open(path) //nolint:gosec // test file
	require.NoError(t, err)
	defer f.Close()
	_, err = gzip.NewReader(f)
	assert.NoError(t, err, "output is gzip")
}

func TestDelimitedSink_Abort(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "grid.csv")
	s := NewDelimitedSink(path, nil, model.NewDumpOptions())
	require.NoError(t, s.Open())
	require.NoError(t, s.Write(&model.GridRow{Values: model.Record{"partial"}}))
	require.NoError(t, s.Abort())

	assert.NoFileExists(t, path)
	assertNoScratchFiles(t, dir)
	assert.ErrorIs(t, s.Write(&model.GridRow{Values: model.Record{"late"}}), ErrSinkState)
	assert.NoError(t, s.Abort(), "abort is idempotent")
}

func TestDelimitedSink_KeepsExistingFileUntilFinalize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "grid.csv")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0600))

	s := NewDelimitedSink(path, nil, model.NewDumpOptions())
	require.NoError(t, s.Open())
	require.NoError(t, s.Write(&model.GridRow{Values: model.Record{"new"}}))

	got, err := os.ReadFile(path) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(got))

	require.NoError(t, s.Finalize())
	got, err = os.ReadFile(path) //nolint:gosec // test file
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(got))
}

func TestDelimitedSink_InvalidOptions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s := NewDelimitedSink(filepath.Join(dir, "grid.parquet"), nil, model.NewDumpOptions().WithFormat(model.OutputFormatParquet))
	assert.ErrorIs(t, s.Open(), ErrUnsupportedFormat)

	s = NewDelimitedSink(filepath.Join(dir, "grid.csv.bz2"), nil, model.NewDumpOptions().WithCompression(model.CompressionBZ2))
	assert.ErrorIs(t, s.Open(), ErrUnsupportedCompression)
	assertNoScratchFiles(t, dir)

	s = NewDelimitedSink(filepath.Join(dir, "grid.csv"), nil, model.NewDumpOptions())
	require.NoError(t, s.Open())
	assert.ErrorIs(t, s.Open(), ErrSinkState)
	require.NoError(t, s.Abort())
	assert.ErrorIs(t, s.Finalize(), ErrSinkState)
}
