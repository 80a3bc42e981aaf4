package gridexport

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/nao1215/gridexport/domain/model"
)

const (
	// DefaultMaxRowSpan bounds the rowspan of a single cell and with it the look-ahead buffer
	DefaultMaxRowSpan = 1000
	// DefaultMaxColSpan bounds the colspan of a single cell
	DefaultMaxColSpan = 1000
	// DefaultMaxColumns is the column limit of an XLSX worksheet
	DefaultMaxColumns = 16384
)

// GridRowSource is a pull-based sequence of resolved rows.
// Next returns io.EOF after the last row.
type GridRowSource interface {
	Next() (*model.GridRow, error)
}

// resolverOptions holds SpanResolver configuration
type resolverOptions struct {
	columns       int
	strict        bool
	maxRowSpan    int
	maxColSpan    int
	maxColumns    int
	flushTrailing bool
	logger        *slog.Logger
}

// ResolverOption configures a SpanResolver
type ResolverOption func(*resolverOptions)

// WithColumns sets the minimum width of the grid. Rows are padded to it
// from the first row on.
func WithColumns(n int) ResolverOption {
	return func(o *resolverOptions) {
		if n > 0 {
			o.columns = n
		}
	}
}

// WithStrictColumns makes a cell that finds no free column inside the width
// set by WithColumns an UnsupportedSpanError instead of widening the grid.
func WithStrictColumns(strict bool) ResolverOption {
	return func(o *resolverOptions) { o.strict = strict }
}

// WithMaxRowSpan sets the largest accepted rowspan
func WithMaxRowSpan(n int) ResolverOption {
	return func(o *resolverOptions) {
		if n > 0 {
			o.maxRowSpan = n
		}
	}
}

// WithMaxColSpan sets the largest accepted colspan
func WithMaxColSpan(n int) ResolverOption {
	return func(o *resolverOptions) {
		if n > 0 {
			o.maxColSpan = n
		}
	}
}

// WithMaxColumns sets the largest accepted grid width
func WithMaxColumns(n int) ResolverOption {
	return func(o *resolverOptions) {
		if n > 0 {
			o.maxColumns = n
		}
	}
}

// WithFlushTrailingSpans emits the rows still covered by rowspans when the
// input ends instead of failing with an UnsupportedSpanError.
func WithFlushTrailingSpans(flush bool) ResolverOption {
	return func(o *resolverOptions) { o.flushTrailing = flush }
}

// WithResolverLogger sets the logger of the resolver
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(o *resolverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// pendingRow is a partially filled output row
type pendingRow struct {
	values   []string
	occupied []bool
	spans    []model.Span
}

// set writes content at column col, growing the row as needed
func (p *pendingRow) set(col int, content string) {
	for len(p.values) <= col {
		p.values = append(p.values, "")
		p.occupied = append(p.occupied, false)
	}
	p.values[col] = content
	p.occupied[col] = true
}

// freeFrom returns the first unoccupied column at or after col
func (p *pendingRow) freeFrom(col int) int {
	for col < len(p.occupied) && p.occupied[col] {
		col++
	}
	return col
}

// SpanResolver rewrites authored rows into a rectangular grid, expanding every
// rowspan and colspan into duplicated values.
//
// Rows still targeted by in-flight rowspans are kept in a look-ahead buffer
// whose length never exceeds the largest rowspan seen. Column placement skips
// positions those rowspans already occupy. When two cells write the same
// position the later one wins.
//
// Every emitted row is padded to the width given by WithColumns. The resolver
// works in a single pass, so a row wider than that cannot reach back to rows
// already emitted; Export and ExportFrom pass the width found by MeasureWidth
// so that all rows of a grid have the same length.
type SpanResolver struct {
	rows RowSource
	opts resolverOptions

	buffer   []*pendingRow
	width    int
	inputRow int
	emitted  int
	draining bool
	err      error
}

// NewSpanResolver creates a resolver pulling authored rows from rows
func NewSpanResolver(rows RowSource, opts ...ResolverOption) *SpanResolver {
	o := resolverOptions{
		maxRowSpan: DefaultMaxRowSpan,
		maxColSpan: DefaultMaxColSpan,
		maxColumns: DefaultMaxColumns,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &SpanResolver{
		rows:  rows,
		opts:  o,
		width: o.columns,
	}
}

// Width returns the grid width reached so far
func (r *SpanResolver) Width() int {
	return r.width
}

// Buffered returns the number of rows held for in-flight rowspans
func (r *SpanResolver) Buffered() int {
	return len(r.buffer)
}

// Next returns the next rectangular row, or io.EOF after the last one
func (r *SpanResolver) Next() (*model.GridRow, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.draining {
		return r.drain()
	}

	for {
		row, err := r.rows.Next()
		if errors.Is(err, io.EOF) {
			return r.finish()
		}
		if err != nil {
			r.err = err
			return nil, err
		}

		if len(row) == 0 && len(r.buffer) == 0 {
			r.inputRow++
			continue
		}
		if err := r.place(row); err != nil {
			r.err = err
			return nil, err
		}
		r.inputRow++
		return r.pop(), nil
	}
}

// Rows returns the remaining grid rows as an iterator. Iteration stops at the
// first error, which is yielded with a nil row.
func (r *SpanResolver) Rows() iter.Seq2[*model.GridRow, error] {
	return func(yield func(*model.GridRow, error) bool) {
		for {
			row, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// at returns the buffered row at offset y, growing the buffer as needed
func (r *SpanResolver) at(y int) *pendingRow {
	for len(r.buffer) <= y {
		r.buffer = append(r.buffer, &pendingRow{})
	}
	return r.buffer[y]
}

// place writes the cells of one authored row into the buffer
func (r *SpanResolver) place(row model.Row) error {
	head := r.at(0)
	col := 0
	for _, cell := range row {
		rowSpan, colSpan := max(cell.RowSpan, 1), max(cell.ColSpan, 1)
		if rowSpan > r.opts.maxRowSpan {
			return &model.ResourceLimitError{Resource: "rowspan", Limit: int64(r.opts.maxRowSpan), Actual: int64(rowSpan)}
		}
		if colSpan > r.opts.maxColSpan {
			return &model.ResourceLimitError{Resource: "colspan", Limit: int64(r.opts.maxColSpan), Actual: int64(colSpan)}
		}

		col = head.freeFrom(col)
		if r.opts.strict && r.opts.columns > 0 && col+colSpan > r.opts.columns {
			reason := fmt.Sprintf("no free column within table width %d", r.opts.columns)
			if col < r.opts.columns {
				reason = fmt.Sprintf("colspan %d overruns table width %d", colSpan, r.opts.columns)
			}
			return &model.UnsupportedSpanError{Row: r.inputRow, Col: col, Reason: reason}
		}
		if col+colSpan > r.opts.maxColumns {
			return &model.ResourceLimitError{Resource: "columns", Limit: int64(r.opts.maxColumns), Actual: int64(col + colSpan)}
		}

		for y := range rowSpan {
			target := r.at(y)
			for x := range colSpan {
				target.set(col+x, cell.Content)
			}
		}
		if cell.IsSpan() {
			head.spans = append(head.spans, model.Span{
				Row:     r.emitted,
				Col:     col,
				RowSpan: rowSpan,
				ColSpan: colSpan,
				Content: cell.Content,
			})
		}
		col += colSpan
		r.width = max(r.width, col)
	}
	return nil
}

// pop removes the head of the buffer and turns it into a grid row
func (r *SpanResolver) pop() *model.GridRow {
	head := r.buffer[0]
	r.buffer[0] = nil
	r.buffer = r.buffer[1:]
	if len(r.buffer) == 0 {
		r.buffer = nil
	}

	values := head.values
	for len(values) < r.width {
		values = append(values, "")
	}
	grid := &model.GridRow{
		Index:  r.emitted,
		Values: model.Record(values),
		Spans:  head.spans,
	}
	r.emitted++
	return grid
}

// finish handles the end of the authored rows
func (r *SpanResolver) finish() (*model.GridRow, error) {
	if len(r.buffer) == 0 {
		r.done()
		return nil, io.EOF
	}
	if !r.opts.flushTrailing {
		col := 0
		for c, occupied := range r.buffer[0].occupied {
			if occupied {
				col = c
				break
			}
		}
		r.err = &model.UnsupportedSpanError{
			Row:    r.inputRow,
			Col:    col,
			Reason: fmt.Sprintf("rowspan extends %d row(s) past the last row", len(r.buffer)),
		}
		return nil, r.err
	}
	r.opts.logger.Debug("flushing trailing rowspans", slog.Int("rows", len(r.buffer)))
	r.draining = true
	return r.drain()
}

// drain emits the rows left in the buffer after the input ended
func (r *SpanResolver) drain() (*model.GridRow, error) {
	if len(r.buffer) == 0 {
		r.done()
		return nil, io.EOF
	}
	return r.pop(), nil
}

func (r *SpanResolver) done() {
	r.opts.logger.Debug("grid resolved",
		slog.Int("input_rows", r.inputRow),
		slog.Int("rows", r.emitted),
		slog.Int("columns", r.width))
	r.err = io.EOF
}
