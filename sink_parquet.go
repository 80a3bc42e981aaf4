package gridexport

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v18/arrow"
	"github.com/apache/arrow/go/v18/arrow/array"
	"github.com/apache/arrow/go/v18/arrow/memory"
	"github.com/apache/arrow/go/v18/parquet"
	"github.com/apache/arrow/go/v18/parquet/compress"
	"github.com/apache/arrow/go/v18/parquet/pqarrow"
	"github.com/nao1215/gridexport/domain/model"
)

// DefaultParquetBatchSize is the number of rows per Arrow record batch
const DefaultParquetBatchSize = 1024

// ParquetSink writes rows to a Parquet file through Apache Arrow.
//
// The schema width is fixed by the header or the first batch. Columns are
// strings unless WithColumnTypes declares them numeric; the caller is
// responsible for declaring only types every value of the column parses as.
// Empty values of numeric columns are written as null.
type ParquetSink struct {
	path      string
	header    model.Header
	declared  []model.ColumnType
	batchSize int

	scratch *scratchFile
	schema  *arrow.Schema
	types   []model.ColumnType
	writer  *pqarrow.FileWriter
	builder *array.RecordBuilder
	pending []model.Record
	state   sinkState
}

// NewParquetSink creates a sink writing to path. Column names come from header
// or are generated as column_1, column_2 and so on.
func NewParquetSink(path string, header model.Header) *ParquetSink {
	return &ParquetSink{
		path:      path,
		header:    header,
		batchSize: DefaultParquetBatchSize,
	}
}

// WithColumnTypes sets the type of the leading columns. Columns without a
// type are strings.
func (s *ParquetSink) WithColumnTypes(types []model.ColumnType) *ParquetSink {
	s.declared = types
	return s
}

// WithBatchSize sets the number of rows per record batch
func (s *ParquetSink) WithBatchSize(n int) *ParquetSink {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Name returns the file name of the sink
func (s *ParquetSink) Name() string {
	return filepath.Base(s.path)
}

// Path returns the destination path
func (s *ParquetSink) Path() string {
	return s.path
}

// Open creates the scratch file. The Parquet writer is created with the
// first batch, once the schema is known.
func (s *ParquetSink) Open() error {
	if s.state != sinkIdle {
		return fmt.Errorf("%w: %s is already open", ErrSinkState, s.Name())
	}
	scratch, err := newScratchFile(s.path)
	if err != nil {
		return err
	}
	s.scratch = scratch
	s.state = sinkOpen
	return nil
}

// Write buffers one row and writes a record batch when the buffer is full
func (s *ParquetSink) Write(row *model.GridRow) error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if s.schema != nil && row.Width() > len(s.schema.Fields()) {
		return fmt.Errorf("row %d has %d columns, schema has %d", row.Index, row.Width(), len(s.schema.Fields()))
	}
	s.pending = append(s.pending, append(model.Record(nil), row.Values...))
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.writeBatch()
}

// Finalize writes the last batch, closes the Parquet file and installs it
func (s *ParquetSink) Finalize() error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if err := s.writeBatch(); err != nil {
		return errors.Join(err, s.Abort())
	}
	if s.writer == nil {
		if err := s.createWriter(); err != nil {
			return errors.Join(err, s.Abort())
		}
	}
	s.builder.Release()
	s.builder = nil
	if err := s.writer.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close parquet writer: %w", err), s.Abort())
	}
	if err := s.scratch.Commit(); err != nil {
		s.state = sinkFailed
		return err
	}
	s.state = sinkFinalized
	return nil
}

// Abort discards the scratch file
func (s *ParquetSink) Abort() error {
	if s.state != sinkOpen {
		return nil
	}
	s.state = sinkAborted
	if s.builder != nil {
		s.builder.Release()
		s.builder = nil
	}
	s.pending = nil
	return s.scratch.Discard()
}

// writeBatch converts the buffered rows into one record batch
func (s *ParquetSink) writeBatch() error {
	if len(s.pending) == 0 {
		return nil
	}
	if s.writer == nil {
		if err := s.createWriter(); err != nil {
			return err
		}
	}

	for _, values := range s.pending {
		if len(values) > len(s.types) {
			return fmt.Errorf("row has %d columns, schema has %d", len(values), len(s.types))
		}
		for i, typ := range s.types {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			if err := appendValue(s.builder.Field(i), typ, v); err != nil {
				return fmt.Errorf("column %s: %w", s.schema.Field(i).Name, err)
			}
		}
	}
	s.pending = s.pending[:0]

	rec := s.builder.NewRecord()
	defer rec.Release()
	if err := s.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return nil
}

// createWriter fixes the schema from the buffered rows
func (s *ParquetSink) createWriter() error {
	width := len(s.header)
	for _, values := range s.pending {
		width = max(width, len(values))
	}
	width = max(width, 1)
	header := parquetColumnNames(s.header, width)

	s.types = make([]model.ColumnType, width)
	copy(s.types, s.declared)

	fields := make([]arrow.Field, width)
	for i, name := range header {
		fields[i] = arrow.Field{Name: name, Type: arrowType(s.types[i]), Nullable: true}
	}
	s.schema = arrow.NewSchema(fields, nil)

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(s.schema, nopCloser{s.scratch}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	s.writer = writer
	s.builder = array.NewRecordBuilder(memory.DefaultAllocator, s.schema)
	return nil
}

// nopCloser keeps the Parquet writer from closing the scratch file
type nopCloser struct {
	io.Writer
}

// parquetColumnNames fills in and deduplicates column names
func parquetColumnNames(header model.Header, width int) model.Header {
	names := make(model.Header, width)
	seen := make(map[string]int, width)
	for i := range width {
		name := ""
		if i < len(header) {
			name = strings.TrimSpace(header[i])
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = name + "_" + strconv.Itoa(n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

// arrowType maps a column type to an Arrow type. Datetime columns
// stay strings because their layouts differ.
func arrowType(typ model.ColumnType) arrow.DataType {
	switch typ {
	case model.ColumnTypeInteger:
		return arrow.PrimitiveTypes.Int64
	case model.ColumnTypeReal:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

// appendValue appends v to b; empty values of numeric columns become null
func appendValue(b array.Builder, typ model.ColumnType, v string) error {
	switch fb := b.(type) {
	case *array.Int64Builder:
		if strings.TrimSpace(v) == "" {
			fb.AppendNull()
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("value %q is not %s", v, typ)
		}
		fb.Append(n)
	case *array.Float64Builder:
		if strings.TrimSpace(v) == "" {
			fb.AppendNull()
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("value %q is not %s", v, typ)
		}
		fb.Append(f)
	case *array.StringBuilder:
		fb.Append(v)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}
