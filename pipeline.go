package gridexport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nao1215/gridexport/domain/model"
)

// exportOptions holds the options of every pipeline stage
type exportOptions struct {
	parser   []ParserOption
	resolver []ResolverOption
	writer   []WriterOption
	spoolDir string
}

// ExportOption configures Export
type ExportOption func(*exportOptions)

// WithParserOptions configures the TableParser of an export
func WithParserOptions(opts ...ParserOption) ExportOption {
	return func(o *exportOptions) { o.parser = append(o.parser, opts...) }
}

// WithResolverOptions configures the SpanResolver of an export
func WithResolverOptions(opts ...ResolverOption) ExportOption {
	return func(o *exportOptions) { o.resolver = append(o.resolver, opts...) }
}

// WithWriterOptions configures the MultiSinkRowWriter of an export
func WithWriterOptions(opts ...WriterOption) ExportOption {
	return func(o *exportOptions) { o.writer = append(o.writer, opts...) }
}

// WithSpoolDir sets where Export keeps its copy of a one-shot document.
// It defaults to os.TempDir.
func WithSpoolDir(dir string) ExportOption {
	return func(o *exportOptions) { o.spoolDir = dir }
}

func collectExportOptions(opts []ExportOption) exportOptions {
	var o exportOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GridResult summarizes one exported table or grid
type GridResult struct {
	// Rows is the number of grid rows handed to the sinks.
	Rows int
	// Columns is the final grid width.
	Columns int
	// Failures lists the sinks that failed while the export went on.
	Failures model.SinkErrors
}

// ChunkOpener returns a new ChunkSource over the same document on every call
type ChunkOpener func() (ChunkSource, error)

// Export streams one HTML table from src into every sink:
//
//	ChunkSource -> TableParser -> SpanResolver -> MultiSinkRowWriter -> sinks
//
// src can only be read once, so it is first copied to a spool file and then
// exported with ExportFrom. Every row has the width of the widest row.
func Export(ctx context.Context, src ChunkSource, sinks []Sink, opts ...ExportOption) (result *GridResult, err error) {
	o := collectExportOptions(opts)
	spool, err := spoolChunks(ctx, src, o.spoolDir)
	if err != nil {
		return &GridResult{}, err
	}
	defer func() {
		if removeErr := spool.Remove(); removeErr != nil && err == nil {
			err = removeErr
		}
	}()
	return ExportFrom(ctx, spool.Open, sinks, opts...)
}

// ExportFrom exports the document opened by open in two passes. The first
// pass measures the grid width without touching the sinks, the second writes
// rows padded to that width.
//
// Memory is bounded by the widest row and the deepest rowspan. Markup, span
// and resource errors abort every sink, so no partial output is installed.
// Sink failures only affect the failing sink and are returned as
// model.SinkErrors after the others were finalized.
func ExportFrom(ctx context.Context, open ChunkOpener, sinks []Sink, opts ...ExportOption) (*GridResult, error) {
	src, err := open()
	if err != nil {
		return &GridResult{}, err
	}
	width, err := MeasureWidth(ctx, src, opts...)
	if err != nil {
		return &GridResult{}, err
	}

	src, err = open()
	if err != nil {
		return &GridResult{}, err
	}
	o := collectExportOptions(opts)
	o.resolver = append(o.resolver, WithColumns(width))
	return exportPass(ctx, src, sinks, o)
}

// exportPass runs the pipeline once, writing to the sinks
func exportPass(ctx context.Context, src ChunkSource, sinks []Sink, o exportOptions) (result *GridResult, err error) {
	parser := NewTableParser(src, o.parser...)
	defer func() {
		if closeErr := parser.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	resolver := NewSpanResolver(parser, o.resolver...)
	writer := NewMultiSinkRowWriter(sinks, o.writer...)
	rows, err := writer.Copy(ctx, resolver)
	return &GridResult{
		Rows:     rows,
		Columns:  resolver.Width(),
		Failures: writer.Failures(),
	}, err
}

// MeasureWidth runs the parser and the resolver over src without writing
// anything and returns the grid width. ExportFrom passes it to WithColumns so
// that the writing pass emits rows of identical length from the first row on.
func MeasureWidth(ctx context.Context, src ChunkSource, opts ...ExportOption) (width int, err error) {
	o := collectExportOptions(opts)

	parser := NewTableParser(src, o.parser...)
	defer func() {
		if closeErr := parser.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	resolver := NewSpanResolver(parser, append(o.resolver, WithFlushTrailingSpans(true))...)
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		if _, err := resolver.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return resolver.Width(), nil
			}
			return 0, err
		}
	}
}

// RecordSource is a pull-based sequence of plain records, such as the rows of
// a dataset table
type RecordSource interface {
	Next(ctx context.Context) (model.Record, error)
}

// recordGridSource turns plain records into span-free grid rows of a fixed width
type recordGridSource struct {
	ctx     context.Context
	records RecordSource
	width   int
	index   int
}

// NewRecordGridSource adapts records to a GridRowSource. Every row is padded
// or cut to width.
func NewRecordGridSource(ctx context.Context, records RecordSource, width int) GridRowSource {
	return &recordGridSource{ctx: ctx, records: records, width: width}
}

// Next returns the next grid row, or io.EOF after the last one
func (s *recordGridSource) Next() (*model.GridRow, error) {
	record, err := s.records.Next(s.ctx)
	if err != nil {
		return nil, err
	}
	values := make(model.Record, s.width)
	copy(values, record)
	row := &model.GridRow{Index: s.index, Values: values}
	s.index++
	return row, nil
}
