// Command gridexport exports the tables and HTML grids of a dataset to CSV,
// TSV, LTSV, Parquet or XLSX files plus one shared workbook.
//
// Usage:
//
//	gridexport [-db dataset.sqlite] [-out dir] [-config gridexport.yaml] [-reset] [grid.html ...]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nao1215/gridexport"
	"github.com/nao1215/gridexport/dataset"
	"github.com/nao1215/gridexport/internal/config"
	"github.com/prometheus/client_golang/prometheus"
)

// errUsage is returned for invalid command lines; the usage is already printed
var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "gridexport:", err)
		}
		os.Exit(1)
	}
}

// options are the command line flags
type options struct {
	db          string
	out         string
	configPath  string
	metricsFile string
	reset       bool
	paths       []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("gridexport", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.db, "db", "", "SQLite dataset whose tables and _grids are exported")
	fs.StringVar(&opts.out, "out", "", "output directory (overrides output_dir)")
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics in text format to this file")
	fs.BoolVar(&opts.reset, "reset", false, "mark every artifact of the dataset as waiting and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.paths = fs.Args()
	return opts, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.db != "" {
		cfg.DB = opts.db
	}
	if opts.out != "" {
		cfg.OutputDir = opts.out
	}
	if opts.metricsFile != "" {
		cfg.MetricsFile = opts.metricsFile
	}

	if cfg.DB == "" && len(opts.paths) == 0 {
		fmt.Fprintln(stderr, "usage: gridexport [-db dataset.sqlite] [-out dir] [-config file] [-reset] [grid.html ...]")
		return errUsage
	}
	if opts.reset && cfg.DB == "" {
		fmt.Fprintln(stderr, "gridexport: -reset requires a dataset (-db)")
		return errUsage
	}

	logger := cfg.NewLogger(stderr)
	reg := prometheus.NewRegistry()
	metrics, err := gridexport.NewMetrics(reg)
	if err != nil {
		return err
	}

	builder := gridexport.NewExportBuilder().
		AddPaths(opts.paths...).
		WithOutputDir(cfg.OutputDir).
		WithWorkbook(cfg.Workbook).
		WithDumpOptions(cfg.DumpOptions()).
		WithChunkSize(cfg.ChunkSize).
		WithParserOptions(cfg.ParserOptions()...).
		WithResolverOptions(cfg.ResolverOptions()...).
		WithMemoryLimit(cfg.MemoryLimit()).
		WithMetrics(metrics).
		WithLogger(logger)

	var store *dataset.StateStore
	if cfg.DB != "" {
		ds, err := dataset.Open(ctx, cfg.DB, dataset.WithLogger(logger))
		if err != nil {
			return err
		}
		defer ds.Close()

		store, err = dataset.NewStateStore(ctx, ds.DB())
		if err != nil {
			return err
		}
		gridDir := cfg.GridDir
		if gridDir == "" {
			gridDir = filepath.Dir(cfg.DB)
		}
		builder.AddDataset(ds).WithStateStore(store).WithGridDir(gridDir)
	} else if cfg.GridDir != "" {
		builder.WithGridDir(cfg.GridDir)
	}

	err = export(ctx, logger, builder, store, opts.reset)
	if err != nil && store != nil {
		if recErr := store.RecordError(context.WithoutCancel(ctx), err.Error()); recErr != nil {
			logger.Warn("failed to record error", slog.String("error", recErr.Error()))
		}
	}
	if cfg.MetricsFile != "" {
		if mErr := prometheus.WriteToTextfile(cfg.MetricsFile, reg); mErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to write metrics: %w", mErr))
		}
	}
	return err
}

// export builds the export and either resets the artifact states or runs it
func export(ctx context.Context, logger *slog.Logger, builder *gridexport.ExportBuilder, store *dataset.StateStore, reset bool) (err error) {
	b, err := builder.Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, b.Cleanup())
	}()

	if reset {
		artifacts := b.Artifacts()
		if err := store.Reset(ctx, artifacts); err != nil {
			return err
		}
		logger.Info("artifacts reset", slog.Int("artifacts", len(artifacts)))
		return nil
	}

	if err := os.MkdirAll(b.OutputDir(), 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	report, err := b.Export(ctx)
	if report != nil {
		for _, a := range report.Failed() {
			logger.Error("artifact failed", slog.String("file", a.Filename), slog.Any("error", a.Err))
		}
	}
	return err
}
