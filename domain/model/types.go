// Package model provides domain model for gridexport
package model

// Header is the column names of a structured table.
type Header []string

// NewHeader create new Header.
func NewHeader(h []string) Header {
	return Header(h)
}

// Equal compare Header.
func (h Header) Equal(h2 Header) bool {
	return Record(h).Equal(Record(h2))
}

// Record is one rectangular output row.
type Record []string

// NewRecord create new Record.
func NewRecord(r []string) Record {
	return Record(r)
}

// Equal compare Record.
func (r Record) Equal(r2 Record) bool {
	if len(r) != len(r2) {
		return false
	}
	for i, v := range r {
		if v != r2[i] {
			return false
		}
	}
	return true
}

// Cell is one authored table cell. A cell is never modified after the parser
// produced it.
type Cell struct {
	// Content is the concatenated text of the cell.
	Content string
	// RowSpan is the number of rows the cell covers (>= 1).
	RowSpan int
	// ColSpan is the number of columns the cell covers (>= 1).
	ColSpan int
}

// NewTextCell creates a cell for a plain string value.
func NewTextCell(content string) Cell {
	return Cell{Content: content, RowSpan: 1, ColSpan: 1}
}

// IsSpan reports whether the cell covers more than one grid position.
func (c Cell) IsSpan() bool {
	return c.RowSpan > 1 || c.ColSpan > 1
}

// Row is an ordered sequence of cells as authored in markup. Rows are not
// rectangular: a cell of an earlier row may still cover positions of this row.
type Row []Cell

// NewTextRow creates a row of span-free cells from plain values.
func NewTextRow(values []string) Row {
	row := make(Row, len(values))
	for i, v := range values {
		row[i] = NewTextCell(v)
	}
	return row
}

// Span is a multi-cell span anchored at resolved grid coordinates (0-based).
type Span struct {
	Row     int
	Col     int
	RowSpan int
	ColSpan int
	Content string
}

// LastRow returns the index of the last row covered by the span.
func (s Span) LastRow() int {
	return s.Row + s.RowSpan - 1
}

// LastCol returns the index of the last column covered by the span.
func (s Span) LastCol() int {
	return s.Col + s.ColSpan - 1
}

// GridRow is one resolved, rectangular row handed to every sink.
// Sinks must treat it as read-only: the same instance is shared by all of them.
type GridRow struct {
	// Index is the zero-based output row index.
	Index int
	// Values holds exactly one scalar per column.
	Values Record
	// Spans lists the spans whose top-left corner lies on this row.
	Spans []Span
}

// Width returns the number of columns of the row.
func (g *GridRow) Width() int {
	return len(g.Values)
}

// ColumnType is the value type of an output column
type ColumnType int

const (
	// ColumnTypeText represents free text
	ColumnTypeText ColumnType = iota
	// ColumnTypeInteger represents 64-bit integers
	ColumnTypeInteger
	// ColumnTypeReal represents floating point numbers
	ColumnTypeReal
	// ColumnTypeDatetime represents datetime values kept as ISO8601 text
	ColumnTypeDatetime
)

// String returns the column type name
func (ct ColumnType) String() string {
	switch ct {
	case ColumnTypeText:
		return "text"
	case ColumnTypeInteger:
		return "integer"
	case ColumnTypeReal:
		return "real"
	case ColumnTypeDatetime:
		return "datetime"
	default:
		return "text"
	}
}
