// Package config loads the configuration of the gridexport command from
// defaults, an optional YAML file and GRIDEXPORT_* environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/nao1215/gridexport"
	"github.com/nao1215/gridexport/domain/model"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of every environment variable, e.g. GRIDEXPORT_OUTPUT_FORMAT
const EnvPrefix = "GRIDEXPORT"

// ErrInvalidConfig is returned when the loaded configuration fails validation
var ErrInvalidConfig = errors.New("gridexport: invalid configuration")

// Config represents the complete command configuration. Environment
// variable names are derived from the field names, e.g. Resolver.MaxRowSpan
// is GRIDEXPORT_RESOLVER_MAX_ROW_SPAN.
type Config struct {
	DB                     string         `yaml:"db" split_words:"true"`
	OutputDir              string         `yaml:"output_dir" split_words:"true" validate:"required"`
	Workbook               string         `yaml:"workbook" split_words:"true"`
	GridDir                string         `yaml:"grid_dir" split_words:"true"`
	ChunkSize              int            `yaml:"chunk_size" split_words:"true" validate:"gt=0"`
	MemoryLimitMB          int64          `yaml:"memory_limit_mb" split_words:"true" validate:"gte=0"`
	MemoryWarningThreshold float64        `yaml:"memory_warning_threshold" split_words:"true" validate:"gt=0,lte=1"`
	MetricsFile            string         `yaml:"metrics_file" split_words:"true"`
	Output                 OutputConfig   `yaml:"output" split_words:"true"`
	Parser                 ParserConfig   `yaml:"parser" split_words:"true"`
	Resolver               ResolverConfig `yaml:"resolver" split_words:"true"`
	Logging                LoggingConfig  `yaml:"logging" split_words:"true"`
}

// OutputConfig selects the format of the per-source files
type OutputConfig struct {
	Format      string `yaml:"format" split_words:"true" validate:"oneof=csv tsv ltsv parquet xlsx"`
	Compression string `yaml:"compression" split_words:"true" validate:"oneof=none gz xz zstd"`
	MergeSpans  bool   `yaml:"merge_spans" split_words:"true"`
}

// ParserConfig contains HTML parser settings
type ParserConfig struct {
	Encoding      string `yaml:"encoding" split_words:"true"`
	TrimSpace     bool   `yaml:"trim_space" split_words:"true"`
	MaxTokenBytes int    `yaml:"max_token_bytes" split_words:"true" validate:"gte=0"`
}

// ResolverConfig contains span resolver settings
type ResolverConfig struct {
	Columns            int  `yaml:"columns" split_words:"true" validate:"gte=0"`
	StrictColumns      bool `yaml:"strict_columns" split_words:"true"`
	MaxRowSpan         int  `yaml:"max_row_span" split_words:"true" validate:"gte=0"`
	MaxColSpan         int  `yaml:"max_col_span" split_words:"true" validate:"gte=0"`
	MaxColumns         int  `yaml:"max_columns" split_words:"true" validate:"gte=0"`
	FlushTrailingSpans bool `yaml:"flush_trailing_spans" split_words:"true"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" split_words:"true" validate:"oneof=json text"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		OutputDir:              ".",
		Workbook:               gridexport.DefaultWorkbookName,
		ChunkSize:              gridexport.DefaultChunkSize,
		MemoryWarningThreshold: gridexport.DefaultMemoryWarningThreshold,
		Output: OutputConfig{
			Format:      model.OutputFormatCSV.String(),
			Compression: model.CompressionNone.String(),
		},
		Parser: ParserConfig{
			TrimSpace:     true,
			MaxTokenBytes: gridexport.DefaultMaxTokenBytes,
		},
		Resolver: ResolverConfig{
			MaxRowSpan: gridexport.DefaultMaxRowSpan,
			MaxColSpan: gridexport.DefaultMaxColSpan,
			MaxColumns: gridexport.DefaultMaxColumns,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields carry no default tags, so unset variables keep the file values.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadFromFile overlays the keys present in the YAML file on cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // the config path is given by the operator
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the validator, reporting fields by their YAML name
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks every field against its constraints
func (c *Config) Validate() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fieldPath(fe.Namespace())+": "+describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(messages, "; "))
}

// fieldPath drops the root struct name, "Config.output.format" becomes "output.format"
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "failed on " + fe.Tag()
	}
}

// DumpOptions converts the output section to dump options
func (c *Config) DumpOptions() model.DumpOptions {
	format, _ := model.ParseOutputFormat(c.Output.Format)
	compression, _ := model.ParseCompressionType(c.Output.Compression)
	return model.NewDumpOptions().
		WithFormat(format).
		WithCompression(compression).
		WithMergeSpans(c.Output.MergeSpans)
}

// ParserOptions converts the parser section to parser options
func (c *Config) ParserOptions() []gridexport.ParserOption {
	opts := []gridexport.ParserOption{
		gridexport.WithTrimSpace(c.Parser.TrimSpace),
		gridexport.WithMaxTokenBytes(c.Parser.MaxTokenBytes),
	}
	if c.Parser.Encoding != "" {
		opts = append(opts, gridexport.WithEncoding(c.Parser.Encoding))
	}
	return opts
}

// ResolverOptions converts the resolver section to resolver options
func (c *Config) ResolverOptions() []gridexport.ResolverOption {
	return []gridexport.ResolverOption{
		gridexport.WithColumns(c.Resolver.Columns),
		gridexport.WithStrictColumns(c.Resolver.StrictColumns),
		gridexport.WithMaxRowSpan(c.Resolver.MaxRowSpan),
		gridexport.WithMaxColSpan(c.Resolver.MaxColSpan),
		gridexport.WithMaxColumns(c.Resolver.MaxColumns),
		gridexport.WithFlushTrailingSpans(c.Resolver.FlushTrailingSpans),
	}
}

// MemoryLimit returns the heap guard, or nil when none is configured
func (c *Config) MemoryLimit() *gridexport.MemoryLimit {
	if c.MemoryLimitMB == 0 {
		return nil
	}
	limit := gridexport.NewMemoryLimit(c.MemoryLimitMB)
	limit.SetWarningThreshold(c.MemoryWarningThreshold)
	return limit
}

// NewLogger creates the logger described by the logging section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (c *Config) level() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
