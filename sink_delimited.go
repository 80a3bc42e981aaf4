package gridexport

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nao1215/gridexport/domain/model"
)

// ltsvEscaper keeps LTSV fields on one line
var ltsvEscaper = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

// DelimitedSink writes rows as CSV, TSV or LTSV, optionally compressed.
//
// The header is written as the first row when one is given; free-form grids
// have none. LTSV always needs labels, so grids without a header are labelled
// col1, col2 and so on.
type DelimitedSink struct {
	path   string
	header model.Header
	opts   model.DumpOptions

	out    *compressedScratch
	buf    *bufio.Writer
	csv    *csv.Writer
	labels []string
	state  sinkState
}

// NewDelimitedSink creates a sink writing to path. Only the CSV, TSV and LTSV
// formats of opts are accepted.
func NewDelimitedSink(path string, header model.Header, opts model.DumpOptions) *DelimitedSink {
	return &DelimitedSink{
		path:   path,
		header: header,
		opts:   opts,
	}
}

// Name returns the file name of the sink
func (s *DelimitedSink) Name() string {
	return filepath.Base(s.path)
}

// Path returns the destination path
func (s *DelimitedSink) Path() string {
	return s.path
}

// Open creates the scratch file and writes the header
func (s *DelimitedSink) Open() error {
	if s.state != sinkIdle {
		return fmt.Errorf("%w: %s is already open", ErrSinkState, s.Name())
	}
	switch s.opts.Format {
	case model.OutputFormatCSV, model.OutputFormatTSV, model.OutputFormatLTSV:
	default:
		return fmt.Errorf("%w: %s is not a delimited format", ErrUnsupportedFormat, s.opts.Format)
	}

	out, err := newCompressedScratch(s.path, s.opts.Compression)
	if err != nil {
		return err
	}
	s.out = out
	s.buf = bufio.NewWriter(out)
	s.state = sinkOpen

	if s.opts.Format == model.OutputFormatLTSV {
		if len(s.header) > 0 {
			s.labels = ltsvLabels(s.header)
		}
		return nil
	}

	s.csv = csv.NewWriter(s.buf)
	if s.opts.Format == model.OutputFormatTSV {
		s.csv.Comma = '\t'
	}
	if len(s.header) > 0 {
		if err := s.csv.Write(s.header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	return nil
}

// Write appends one row
func (s *DelimitedSink) Write(row *model.GridRow) error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if s.csv != nil {
		return s.csv.Write(row.Values)
	}
	return s.writeLTSV(row.Values)
}

// writeLTSV writes one label:value line
func (s *DelimitedSink) writeLTSV(values model.Record) error {
	for len(s.labels) < len(values) {
		s.labels = append(s.labels, "col"+strconv.Itoa(len(s.labels)+1))
	}
	for i, v := range values {
		if i > 0 {
			if err := s.buf.WriteByte('\t'); err != nil {
				return err
			}
		}
		if _, err := s.buf.WriteString(s.labels[i] + ":" + ltsvEscaper.Replace(v)); err != nil {
			return err
		}
	}
	return s.buf.WriteByte('\n')
}

// Finalize flushes the output and installs the file
func (s *DelimitedSink) Finalize() error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if err := s.flush(); err != nil {
		return errors.Join(err, s.Abort())
	}
	if err := s.out.Commit(); err != nil {
		s.state = sinkFailed
		return err
	}
	s.state = sinkFinalized
	return nil
}

// flush drains the CSV and buffer layers; Commit finishes the compressed stream
func (s *DelimitedSink) flush() error {
	if s.csv != nil {
		s.csv.Flush()
		if err := s.csv.Error(); err != nil {
			return fmt.Errorf("failed to write %s: %w", s.Name(), err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Name(), err)
	}
	return nil
}

// Abort discards the scratch file
func (s *DelimitedSink) Abort() error {
	if s.state != sinkOpen {
		return nil
	}
	s.state = sinkAborted
	return s.out.Discard()
}

// ltsvLabels turns column names into LTSV labels
func ltsvLabels(header model.Header) []string {
	labels := make([]string, len(header))
	for i, name := range header {
		label := strings.Map(func(r rune) rune {
			if r == ':' || r == '\t' || r == '\n' || r == '\r' {
				return '_'
			}
			return r
		}, name)
		if label == "" {
			label = "col" + strconv.Itoa(i+1)
		}
		labels[i] = label
	}
	return labels
}
