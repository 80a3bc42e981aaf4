package gridexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/gridexport/dataset"
	"github.com/nao1215/gridexport/domain/model"
)

// ErrRemoteGrid is returned by FileGridOpener for grids that are not local files
var ErrRemoteGrid = errors.New("gridexport: remote grid documents are not supported")

// StateRecorder receives the state transitions of every output artifact.
// *dataset.StateStore implements it.
type StateRecorder interface {
	SaveState(ctx context.Context, filename string, sourceType dataset.SourceType, sourceID string, state dataset.State) error
}

// GridOpener opens the HTML document of a grid listed in a dataset
type GridOpener func(ctx context.Context, grid dataset.Grid) (ChunkSource, error)

// FileGridOpener resolves grid URLs to local files. Relative paths are
// resolved against dir and must not leave it.
func FileGridOpener(dir string, chunkSize int) GridOpener {
	return func(_ context.Context, grid dataset.Grid) (ChunkSource, error) {
		u, err := url.Parse(grid.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid grid URL %q: %w", grid.URL, err)
		}
		var path string
		switch u.Scheme {
		case "":
			path = grid.URL
		case "file":
			path = u.Path
		default:
			return nil, fmt.Errorf("%w: %s", ErrRemoteGrid, grid.URL)
		}
		path, err = resolveGridPath(dir, path)
		if err != nil {
			return nil, err
		}
		return OpenFileChunkSource(path, chunkSize)
	}
}

// readerInput is a grid document supplied as an io.Reader. It can be read once.
type readerInput struct {
	reader io.Reader
	name   string
}

// fsInput is a grid document of an fs.FS
type fsInput struct {
	fsys fs.FS
	path string
}

// exportSource is one table or grid to export
type exportSource struct {
	name       string
	sourceType dataset.SourceType
	header     model.Header
	dataset    *dataset.Dataset
	table      *dataset.Table
	open       func(ctx context.Context) (ChunkSource, error)
	reopenable bool
}

// ExportBuilder configures and runs the export of tables and grids to files.
//
// Every table of a dataset and every HTML grid becomes one output file named
// after it (see model.MakeFilename) plus one worksheet of a shared workbook.
//
// The typical usage pattern is:
//
//	builder, err := gridexport.NewExportBuilder().
//		AddDatabase("dataset.sqlite").
//		AddPath("grids/").
//		WithOutputDir("downloads").
//		Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer builder.Cleanup()
//	report, err := builder.Export(ctx)
type ExportBuilder struct {
	paths       []string
	readers     []readerInput
	filesystems []fs.FS
	dbPaths     []string
	datasets    []*dataset.Dataset

	outputDir    string
	workbookName string
	options      model.DumpOptions
	state        StateRecorder
	metrics      *Metrics
	logger       *slog.Logger
	gridOpener   GridOpener
	gridDir      string
	chunkSize    int
	parserOpts   []ParserOption
	resolverOpts []ResolverOption
	memoryLimit  *MemoryLimit

	// populated by Build
	sources []exportSource
	opened  []*dataset.Dataset
	built   bool
}

// NewExportBuilder creates a builder writing CSV files and all_tables.xlsx to
// the current directory
func NewExportBuilder() *ExportBuilder {
	return &ExportBuilder{
		outputDir:    ".",
		workbookName: DefaultWorkbookName,
		options:      model.NewDumpOptions(),
		logger:       slog.Default(),
		chunkSize:    DefaultChunkSize,
	}
}

// AddPath adds an HTML grid document or a directory of them.
// Compressed documents (.gz, .bz2, .xz, .zst) are supported.
func (b *ExportBuilder) AddPath(path string) *ExportBuilder {
	b.paths = append(b.paths, path)
	return b
}

// AddPaths adds multiple grid documents or directories
func (b *ExportBuilder) AddPaths(paths ...string) *ExportBuilder {
	b.paths = append(b.paths, paths...)
	return b
}

// AddReader adds a grid document read from r. The name is used for the output
// file and the worksheet. A reader can only be read once, so its content is
// spooled to the output directory while its width is measured.
func (b *ExportBuilder) AddReader(r io.Reader, name string) *ExportBuilder {
	b.readers = append(b.readers, readerInput{reader: r, name: name})
	return b
}

// AddFS adds every HTML grid document of an fs.FS, e.g. an embed.FS
func (b *ExportBuilder) AddFS(filesystem fs.FS) *ExportBuilder {
	b.filesystems = append(b.filesystems, filesystem)
	return b
}

// AddDatabase adds the tables and grids of the SQLite dataset at path. The
// database is opened by Build and closed by Cleanup.
func (b *ExportBuilder) AddDatabase(path string) *ExportBuilder {
	b.dbPaths = append(b.dbPaths, path)
	return b
}

// AddDataset adds the tables and grids of an open dataset
func (b *ExportBuilder) AddDataset(ds *dataset.Dataset) *ExportBuilder {
	b.datasets = append(b.datasets, ds)
	return b
}

// WithOutputDir sets the directory the files are written to
func (b *ExportBuilder) WithOutputDir(dir string) *ExportBuilder {
	b.outputDir = dir
	return b
}

// WithWorkbook sets the file name of the shared workbook. An empty name
// disables the workbook.
func (b *ExportBuilder) WithWorkbook(name string) *ExportBuilder {
	b.workbookName = name
	return b
}

// WithDumpOptions sets the format and compression of the per-source files
func (b *ExportBuilder) WithDumpOptions(options model.DumpOptions) *ExportBuilder {
	b.options = options
	return b
}

// WithStateStore records generating, generated and failed states
func (b *ExportBuilder) WithStateStore(store StateRecorder) *ExportBuilder {
	b.state = store
	return b
}

// WithMetrics records Prometheus metrics
func (b *ExportBuilder) WithMetrics(metrics *Metrics) *ExportBuilder {
	b.metrics = metrics
	return b
}

// WithLogger sets the logger
func (b *ExportBuilder) WithLogger(logger *slog.Logger) *ExportBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithGridOpener sets how grids listed in a dataset are opened. The default
// resolves them as local files relative to WithGridDir.
func (b *ExportBuilder) WithGridOpener(opener GridOpener) *ExportBuilder {
	b.gridOpener = opener
	return b
}

// WithGridDir sets the directory relative grid URLs are resolved against.
// It defaults to the directory of the dataset database.
func (b *ExportBuilder) WithGridDir(dir string) *ExportBuilder {
	b.gridDir = dir
	return b
}

// WithChunkSize sets the read size of grid documents
func (b *ExportBuilder) WithChunkSize(size int) *ExportBuilder {
	if size > 0 {
		b.chunkSize = size
	}
	return b
}

// WithParserOptions configures the parser of every grid
func (b *ExportBuilder) WithParserOptions(opts ...ParserOption) *ExportBuilder {
	b.parserOpts = append(b.parserOpts, opts...)
	return b
}

// WithResolverOptions configures the span resolver of every grid
func (b *ExportBuilder) WithResolverOptions(opts ...ResolverOption) *ExportBuilder {
	b.resolverOpts = append(b.resolverOpts, opts...)
	return b
}

// WithMemoryLimit aborts a source when the heap exceeds the limit
func (b *ExportBuilder) WithMemoryLimit(limit *MemoryLimit) *ExportBuilder {
	b.memoryLimit = limit
	return b
}

// Build validates the inputs, opens the datasets and lists every table and
// grid to export. Tables come first, then dataset grids, then documents.
func (b *ExportBuilder) Build(ctx context.Context) (*ExportBuilder, error) {
	if len(b.paths) == 0 && len(b.readers) == 0 && len(b.filesystems) == 0 &&
		len(b.dbPaths) == 0 && len(b.datasets) == 0 {
		return nil, ErrNoInputs
	}
	if err := b.options.Validate(); err != nil {
		return nil, err
	}

	b.sources = nil
	datasets := append([]*dataset.Dataset(nil), b.datasets...)
	for _, path := range b.dbPaths {
		ds, err := dataset.Open(ctx, path, dataset.WithLogger(b.logger))
		if err != nil {
			return nil, errors.Join(NewErrorContext("build", path).Error(err), b.cleanup())
		}
		b.opened = append(b.opened, ds)
		datasets = append(datasets, ds)
	}

	for i, ds := range datasets {
		if err := b.addDatasetSources(ctx, ds, b.datasetGridDir(i)); err != nil {
			return nil, errors.Join(err, b.cleanup())
		}
	}

	fp := newFileProcessor()
	paths, err := fp.collectFilesFromPaths(b.paths)
	if err != nil {
		return nil, errors.Join(err, b.cleanup())
	}
	for _, path := range paths {
		b.sources = append(b.sources, exportSource{
			name:       model.GridNameFromPath(path),
			sourceType: dataset.SourceGrid,
			open: func(context.Context) (ChunkSource, error) {
				return OpenFileChunkSource(path, b.chunkSize)
			},
			reopenable: true,
		})
	}

	for _, filesystem := range b.filesystems {
		files, err := fp.collectFilesFromFS(filesystem)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to process FS input: %w", err), b.cleanup())
		}
		for _, file := range files {
			in := fsInput{fsys: filesystem, path: file}
			b.sources = append(b.sources, exportSource{
				name:       model.GridNameFromPath(file),
				sourceType: dataset.SourceGrid,
				open: func(context.Context) (ChunkSource, error) {
					return OpenFSChunkSource(in.fsys, in.path, b.chunkSize)
				},
				reopenable: true,
			})
		}
	}

	for _, in := range b.readers {
		if in.reader == nil {
			return nil, errors.Join(errors.New("reader cannot be nil"), b.cleanup())
		}
		b.sources = append(b.sources, exportSource{
			name:       in.name,
			sourceType: dataset.SourceGrid,
			open: func(context.Context) (ChunkSource, error) {
				return NewReaderChunkSource(in.reader, b.chunkSize), nil
			},
		})
	}

	b.logger.Debug("export planned",
		slog.Int("sources", len(b.sources)),
		slog.Any("documents", sortedGridNames(paths)))
	b.built = true
	return b, nil
}

// addDatasetSources adds the tables and grids of one dataset
func (b *ExportBuilder) addDatasetSources(ctx context.Context, ds *dataset.Dataset, gridDir string) error {
	tables, err := ds.Tables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		b.sources = append(b.sources, exportSource{
			name:       table.Name,
			sourceType: dataset.SourceTable,
			header:     table.Columns,
			dataset:    ds,
			table:      &table,
		})
	}

	grids, err := ds.Grids(ctx)
	if err != nil {
		return err
	}
	opener := b.gridOpener
	if opener == nil {
		opener = FileGridOpener(gridDir, b.chunkSize)
	}
	for _, grid := range grids {
		b.sources = append(b.sources, exportSource{
			name:       grid.Title,
			sourceType: dataset.SourceGrid,
			open: func(ctx context.Context) (ChunkSource, error) {
				return opener(ctx, grid)
			},
			reopenable: true,
		})
	}
	return nil
}

// datasetGridDir returns the grid directory of the i-th dataset
func (b *ExportBuilder) datasetGridDir(i int) string {
	if b.gridDir != "" {
		return b.gridDir
	}
	if i >= len(b.datasets) {
		return filepath.Dir(b.dbPaths[i-len(b.datasets)])
	}
	return "."
}

// OutputDir returns the directory the files are written to
func (b *ExportBuilder) OutputDir() string {
	return b.outputDir
}

// Artifacts lists the files an export will produce, workbook first. Build
// must have been called.
func (b *ExportBuilder) Artifacts() []dataset.StateRecord {
	var artifacts []dataset.StateRecord
	if b.workbookName != "" {
		artifacts = append(artifacts, dataset.StateRecord{Filename: b.workbookName})
	}
	names := b.newFilenames()
	for _, src := range b.sources {
		artifacts = append(artifacts, dataset.StateRecord{
			Filename:   names.reserve(src.name, b.options.FileExtension()),
			SourceType: src.sourceType,
			SourceID:   src.name,
		})
	}
	return artifacts
}

// Export writes every table and grid. A failing source does not stop the
// others; all failures are joined into the returned error and listed in the
// report. A run without any source fails with ErrDatasetEmpty.
func (b *ExportBuilder) Export(ctx context.Context) (*Report, error) {
	if !b.built {
		return nil, errors.New("builder is not built, did you call Build()?")
	}

	runID := uuid.NewString()
	logger := b.logger.With(slog.String("run_id", runID))
	report := &Report{RunID: runID, Started: time.Now()}
	logger.Info("export started", slog.Int("sources", len(b.sources)), slog.String("output_dir", b.outputDir))

	var wb *Workbook
	if b.workbookName != "" {
		wb = NewWorkbook(filepath.Join(b.outputDir, b.workbookName), logger)
		defer wb.Close()
		b.saveState(ctx, logger, b.workbookName, dataset.SourceNone, "", dataset.StateGenerating)
	}

	var errs []error
	if len(b.sources) == 0 {
		errs = append(errs, ErrDatasetEmpty)
	}

	names := b.newFilenames()
	for _, src := range b.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrContextCancelled, err))
			break
		}
		artifact := b.exportSource(ctx, logger, wb, src, names.reserve(src.name, b.options.FileExtension()))
		report.Artifacts = append(report.Artifacts, artifact)
		if artifact.Err != nil {
			errs = append(errs, artifact.Err)
		}
	}

	if wb != nil {
		artifact := Artifact{Filename: b.workbookName, Path: wb.Path()}
		var err error
		switch {
		case len(b.sources) == 0:
			err = ErrDatasetEmpty
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		default:
			err = wb.Save()
		}
		if err != nil {
			artifact.State = dataset.StateFailed
			artifact.Err = NewErrorContext("save workbook", wb.Path()).Error(err)
			if len(b.sources) > 0 && ctx.Err() == nil {
				errs = append(errs, artifact.Err)
			}
		} else {
			artifact.State = dataset.StateGenerated
			artifact.Sheets = wb.Sheets()
		}
		b.saveState(ctx, logger, b.workbookName, dataset.SourceNone, "", artifact.State)
		b.observeArtifact(artifact.State)
		report.Artifacts = append([]Artifact{artifact}, report.Artifacts...)
	}

	report.Finished = time.Now()
	err := errors.Join(errs...)
	if err != nil {
		logger.Error("export finished with errors", slog.Int("failed", len(report.Failed())), slog.String("error", err.Error()))
	} else {
		logger.Info("export finished", slog.Int("artifacts", len(report.Artifacts)),
			slog.Duration("elapsed", report.Finished.Sub(report.Started)))
	}
	return report, err
}

// exportSource writes one table or grid to its file and worksheet
func (b *ExportBuilder) exportSource(ctx context.Context, logger *slog.Logger, wb *Workbook, src exportSource, filename string) Artifact {
	start := time.Now()
	path := filepath.Join(b.outputDir, filename)
	artifact := Artifact{Filename: filename, Path: path, SourceType: src.sourceType, SourceID: src.name}
	logger = logger.With(slog.String("source", src.name), slog.String("file", filename))

	var types []model.ColumnType
	if src.table != nil && b.options.Format == model.OutputFormatParquet {
		var err error
		if types, err = src.dataset.ColumnTypes(ctx, *src.table); err != nil {
			return b.failArtifact(ctx, logger, artifact, err)
		}
	}
	primary, err := b.newPrimarySink(path, src.header, types, logger)
	if err != nil {
		return b.failArtifact(ctx, logger, artifact, err)
	}
	sinks := []Sink{primary}
	var sheet *SheetSink
	if wb != nil {
		sheet = wb.AddSheet(src.name, SheetOptions{Header: src.header, MergeSpans: b.options.MergeSpans})
		sinks = append(sinks, sheet)
	}

	observer := &stateObserver{
		ctx:      ctx,
		builder:  b,
		logger:   logger,
		filename: filename,
		primary:  primary.Name(),
		source:   src,
	}
	writerOpts := []WriterOption{WithObserver(observer), WithWriterLogger(logger)}
	if b.metrics != nil {
		writerOpts = append(writerOpts, WithObserver(b.metrics))
	}
	if b.memoryLimit != nil {
		writerOpts = append(writerOpts, WithMemoryLimit(b.memoryLimit, 0))
	}

	var rows int
	if src.table != nil {
		rows, err = b.exportTable(ctx, src, sinks, writerOpts)
	} else {
		rows, err = b.exportGrid(ctx, logger, src, sinks, writerOpts)
	}
	artifact.Rows = rows
	if sheet != nil && sheet.state == sinkFinalized {
		artifact.Sheets = []string{sheet.Sheet()}
	}
	if b.metrics != nil {
		b.metrics.ObserveSource(string(src.sourceType), rows, time.Since(start))
	}

	var sinkErrs model.SinkErrors
	if errors.As(err, &sinkErrs) && !sinkErrs.Failed(primary.Name()) {
		// only the worksheet failed; the file itself is installed
		logger.Warn("worksheet failed", slog.String("error", err.Error()))
		artifact.State = dataset.StateGenerated
		artifact.Err = NewErrorContext("export", path).WithGrid(src.name).Error(err)
		b.observeArtifact(artifact.State)
		return artifact
	}
	if err != nil {
		// sources failing before their sinks were opened never reached the observer
		b.saveState(ctx, logger, filename, src.sourceType, src.name, dataset.StateFailed)
		artifact.State = dataset.StateFailed
		artifact.Err = NewErrorContext("export", path).WithGrid(src.name).Error(err)
		b.observeArtifact(artifact.State)
		return artifact
	}

	artifact.State = dataset.StateGenerated
	b.observeArtifact(artifact.State)
	logger.Info("source exported", slog.Int("rows", rows), slog.Duration("elapsed", time.Since(start)))
	return artifact
}

// exportTable streams the rows of a dataset table, header first
func (b *ExportBuilder) exportTable(ctx context.Context, src exportSource, sinks []Sink, writerOpts []WriterOption) (int, error) {
	writer := NewMultiSinkRowWriter(sinks, writerOpts...)
	records := src.dataset.Rows(*src.table)
	return writer.Copy(ctx, NewRecordGridSource(ctx, records, len(src.header)))
}

// exportGrid streams an HTML grid through parser and resolver. Re-readable
// grids are opened twice; one-shot readers are spooled to the output
// directory first.
func (b *ExportBuilder) exportGrid(ctx context.Context, logger *slog.Logger, src exportSource, sinks []Sink, writerOpts []WriterOption) (int, error) {
	parserOpts := append([]ParserOption{WithParserLogger(logger)}, b.parserOpts...)
	resolverOpts := append([]ResolverOption{WithResolverLogger(logger)}, b.resolverOpts...)
	opts := []ExportOption{
		WithParserOptions(parserOpts...),
		WithResolverOptions(resolverOpts...),
		WithWriterOptions(writerOpts...),
		WithSpoolDir(b.outputDir),
	}

	var result *GridResult
	if src.reopenable {
		open := func() (ChunkSource, error) { return src.open(ctx) }
		var err error
		result, err = ExportFrom(ctx, open, sinks, opts...)
		return result.Rows, err
	}

	chunks, err := src.open(ctx)
	if err != nil {
		return 0, err
	}
	result, err = Export(ctx, chunks, sinks, opts...)
	return result.Rows, err
}

// newPrimarySink creates the per-source file sink for the configured format.
// types only affects Parquet; grids pass none and get string columns.
func (b *ExportBuilder) newPrimarySink(path string, header model.Header, types []model.ColumnType, logger *slog.Logger) (Sink, error) {
	switch b.options.Format {
	case model.OutputFormatCSV, model.OutputFormatTSV, model.OutputFormatLTSV:
		return NewDelimitedSink(path, header, b.options), nil
	case model.OutputFormatParquet:
		return NewParquetSink(path, header).WithColumnTypes(types), nil
	case model.OutputFormatXLSX:
		return newWorkbookFileSink(path, header, b.options.MergeSpans, logger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, b.options.Format)
	}
}

// failArtifact records a source that failed before its sinks existed
func (b *ExportBuilder) failArtifact(ctx context.Context, logger *slog.Logger, artifact Artifact, err error) Artifact {
	b.saveState(ctx, logger, artifact.Filename, artifact.SourceType, artifact.SourceID, dataset.StateFailed)
	artifact.State = dataset.StateFailed
	artifact.Err = NewErrorContext("export", artifact.Path).WithGrid(artifact.SourceID).Error(err)
	b.observeArtifact(artifact.State)
	return artifact
}

// saveState records a state transition; failures are logged
func (b *ExportBuilder) saveState(ctx context.Context, logger *slog.Logger, filename string, sourceType dataset.SourceType, sourceID string, state dataset.State) {
	if b.state == nil {
		return
	}
	if err := b.state.SaveState(context.WithoutCancel(ctx), filename, sourceType, sourceID, state); err != nil {
		logger.Warn("failed to save state",
			slog.String("file", filename),
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
	}
}

func (b *ExportBuilder) observeArtifact(state dataset.State) {
	if b.metrics != nil {
		b.metrics.ObserveArtifact(string(state))
	}
}

// cleanup closes the datasets opened by Build
func (b *ExportBuilder) cleanup() error {
	var errs []error
	for _, ds := range b.opened {
		if err := ds.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close dataset: %w", err))
		}
	}
	b.opened = nil
	return errors.Join(errs...)
}

// Cleanup closes the datasets opened by Build. It is safe to call it
// multiple times.
func (b *ExportBuilder) Cleanup() error {
	return b.cleanup()
}

// stateObserver maps the lifecycle of the per-source file sink to states
type stateObserver struct {
	ctx      context.Context
	builder  *ExportBuilder
	logger   *slog.Logger
	filename string
	primary  string
	source   exportSource
}

// SinkOpened implements SinkObserver
func (o *stateObserver) SinkOpened(name string) {
	o.save(name, dataset.StateGenerating)
}

// SinkFinalized implements SinkObserver
func (o *stateObserver) SinkFinalized(name string) {
	o.save(name, dataset.StateGenerated)
}

// SinkAborted implements SinkObserver
func (o *stateObserver) SinkAborted(name string, _ error) {
	o.save(name, dataset.StateFailed)
}

func (o *stateObserver) save(name string, state dataset.State) {
	if name != o.primary {
		return
	}
	o.builder.saveState(o.ctx, o.logger, o.filename, o.source.sourceType, o.source.name, state)
}

// filenameSet hands out unique output file names. Names are compared
// case-insensitively so that exports stay distinct on every file system.
type filenameSet map[string]struct{}

// newFilenames returns the file names of one export with the workbook
// name already taken
func (b *ExportBuilder) newFilenames() filenameSet {
	s := make(filenameSet)
	if b.workbookName != "" {
		s[strings.ToLower(b.workbookName)] = struct{}{}
	}
	return s
}

// reserve returns MakeFilename(name)+ext, suffixed with _2, _3, ... when the
// name is already taken
func (s filenameSet) reserve(name, ext string) string {
	base := model.MakeFilename(name)
	if base == "" {
		base = "grid"
	}
	filename := base + ext
	for n := 2; s.taken(filename); n++ {
		filename = base + "_" + strconv.Itoa(n) + ext
	}
	s[strings.ToLower(filename)] = struct{}{}
	return filename
}

func (s filenameSet) taken(filename string) bool {
	_, ok := s[strings.ToLower(filename)]
	return ok
}
