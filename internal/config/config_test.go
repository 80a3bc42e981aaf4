package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nao1215/gridexport"
	"github.com/nao1215/gridexport/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridexport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default(), *cfg)
	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, gridexport.DefaultWorkbookName, cfg.Workbook)
	assert.Equal(t, model.NewDumpOptions(), cfg.DumpOptions())
	assert.Nil(t, cfg.MemoryLimit())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
output_dir: downloads
output:
  format: tsv
  compression: zstd
  merge_spans: true
parser:
  encoding: windows-1252
resolver:
  columns: 4
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "downloads", cfg.OutputDir)
	assert.Equal(t, 4, cfg.Resolver.Columns)
	assert.Equal(t, "windows-1252", cfg.Parser.Encoding)
	assert.True(t, cfg.Parser.TrimSpace, "keys missing from the file keep their defaults")
	assert.Equal(t, gridexport.DefaultMaxRowSpan, cfg.Resolver.MaxRowSpan)

	opts := cfg.DumpOptions()
	assert.Equal(t, model.OutputFormatTSV, opts.Format)
	assert.Equal(t, model.CompressionZSTD, opts.Compression)
	assert.True(t, opts.MergeSpans)
	assert.Len(t, cfg.ParserOptions(), 3)
	assert.Len(t, cfg.ResolverOptions(), 6)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "output_dir: from-file\nworkbook: book.xlsx\n")
	t.Setenv("GRIDEXPORT_OUTPUT_DIR", "from-env")
	t.Setenv("GRIDEXPORT_OUTPUT_FORMAT", "parquet")
	t.Setenv("GRIDEXPORT_RESOLVER_STRICT_COLUMNS", "true")
	t.Setenv("GRIDEXPORT_MEMORY_LIMIT_MB", "256")
	t.Setenv("GRIDEXPORT_MEMORY_WARNING_THRESHOLD", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OutputDir)
	assert.Equal(t, "book.xlsx", cfg.Workbook)
	assert.Equal(t, "parquet", cfg.Output.Format)
	assert.True(t, cfg.Resolver.StrictColumns)
	limit := cfg.MemoryLimit()
	require.NotNil(t, limit)
	assert.Equal(t, int64(256), limit.LimitMB())
	assert.InDelta(t, 0.5, limit.WarningThreshold(), 1e-9)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "output_dri: typo\n"))
		assert.Error(t, err)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("GRIDEXPORT_CHUNK_SIZE", "big")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeConfig(t, "output:\n  compression: bz2\n"))
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "output.compression: must be one of")
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{name: "empty output dir", modify: func(c *Config) { c.OutputDir = "" }, want: "output_dir: is required"},
		{name: "zero chunk size", modify: func(c *Config) { c.ChunkSize = 0 }, want: "chunk_size: must be greater than 0"},
		{name: "negative columns", modify: func(c *Config) { c.Resolver.Columns = -1 }, want: "resolver.columns: must be at least 0"},
		{name: "unknown format", modify: func(c *Config) { c.Output.Format = "docx" }, want: "output.format"},
		{name: "unknown log level", modify: func(c *Config) { c.Logging.Level = "trace" }, want: "logging.level"},
		{name: "warning threshold above one", modify: func(c *Config) { c.MemoryWarningThreshold = 1.5 }, want: "memory_warning_threshold: must be at most 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Logging.Level = "warn"
	logger := cfg.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=v")

	buf.Reset()
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "debug"
	cfg.NewLogger(&buf).Debug("details")
	assert.Contains(t, buf.String(), `"msg":"details"`)
}
