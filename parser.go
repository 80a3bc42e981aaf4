package gridexport

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nao1215/gridexport/domain/model"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// DefaultMaxTokenBytes bounds the size of a single markup token
const DefaultMaxTokenBytes = 4 * 1024 * 1024

// RowSource is a pull-based sequence of authored rows.
// Next returns io.EOF after the last row.
type RowSource interface {
	Next() (model.Row, error)
}

// parserOptions holds TableParser configuration
type parserOptions struct {
	encoding      string
	trimSpace     bool
	maxTokenBytes int
	pool          *MemoryPool
	logger        *slog.Logger
}

// ParserOption configures a TableParser
type ParserOption func(*parserOptions)

// WithEncoding sets the declared character encoding of the document
// (any WHATWG label, e.g. "windows-1252"). The default is UTF-8.
func WithEncoding(label string) ParserOption {
	return func(o *parserOptions) { o.encoding = label }
}

// WithTrimSpace trims leading and trailing white space of cell content
func WithTrimSpace(trim bool) ParserOption {
	return func(o *parserOptions) { o.trimSpace = trim }
}

// WithMaxTokenBytes bounds the size of a single markup token. Larger tokens
// fail with a ResourceLimitError.
func WithMaxTokenBytes(n int) ParserOption {
	return func(o *parserOptions) {
		if n > 0 {
			o.maxTokenBytes = n
		}
	}
}

// WithMemoryPool sets the pool the per-row text arena is taken from
func WithMemoryPool(pool *MemoryPool) ParserOption {
	return func(o *parserOptions) {
		if pool != nil {
			o.pool = pool
		}
	}
}

// WithParserLogger sets the logger of the parser
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(o *parserOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// TableParser turns a chunked HTML document into a lazy sequence of rows
// without building a document tree.
//
// <tr> delimits rows, <td> and <th> delimit cells. Cell text is collected in
// a row-scoped arena that is reset at every row boundary, so memory stays
// proportional to the widest row and not to the document. Only the rows and
// cells of the outermost table count; the text of nested tables becomes part
// of the enclosing cell.
//
// The Row returned by Next is only valid until the following call: its
// backing array is reused. Callers keep what they need by copying it.
type TableParser struct {
	src    ChunkSource
	reader *ChunkReader
	z      *html.Tokenizer
	opts   parserOptions

	validateUTF8 bool
	arena        []byte
	row          model.Row
	cell         model.Cell
	cellStart    int
	cellOpen     bool
	rowOpen      bool
	tableDepth   int
	nestedDepth  int
	skipDepth    int
	partialTag   bool

	rows int
	err  error
}

// NewTableParser creates a parser pulling chunks from src
func NewTableParser(src ChunkSource, opts ...ParserOption) *TableParser {
	o := parserOptions{
		maxTokenBytes: DefaultMaxTokenBytes,
		pool:          defaultMemoryPool,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &TableParser{
		src:          src,
		reader:       NewChunkReader(src),
		opts:         o,
		validateUTF8: true,
	}
	p.arena = o.pool.GetByteBuffer()

	var input io.Reader = p.reader
	if o.encoding != "" {
		enc, err := htmlindex.Get(o.encoding)
		if err != nil {
			p.err = &model.MalformedMarkupError{Reason: "unknown encoding " + strconv.Quote(o.encoding), Err: err}
			return p
		}
		if name, _ := htmlindex.Name(enc); name != "utf-8" {
			input = transform.NewReader(p.reader, enc.NewDecoder())
			p.validateUTF8 = false
		}
	}

	p.z = html.NewTokenizer(input)
	p.z.SetMaxBuf(o.maxTokenBytes)
	return p
}

// Next returns the next authored row, or io.EOF after the last one
func (p *TableParser) Next() (model.Row, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.releaseRow()

	for {
		switch p.z.Next() {
		case html.ErrorToken:
			return p.finish()

		case html.TextToken:
			// raw text elements such as <textarea> legitimately hold "<b"
			p.partialTag = p.skipDepth == 0 && isPartialTag(p.z.Raw())
			if p.cellOpen && p.skipDepth == 0 {
				text := p.z.Text()
				if p.validateUTF8 && !utf8.Valid(text) {
					return p.fail(&model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "invalid UTF-8 in cell text"})
				}
				p.arena = append(p.arena, text...)
			}

		case html.StartTagToken:
			p.partialTag = false
			if row, ok, err := p.startTag(false); err != nil || ok {
				return row, err
			}

		case html.SelfClosingTagToken:
			p.partialTag = false
			if row, ok, err := p.startTag(true); err != nil || ok {
				return row, err
			}

		case html.EndTagToken:
			p.partialTag = false
			if row, ok := p.endTag(); ok {
				return row, nil
			}
		}
	}
}

// Rows returns the remaining rows as an iterator. Iteration stops at the
// first error, which is yielded with a nil row.
func (p *TableParser) Rows() iter.Seq2[model.Row, error] {
	return func(yield func(model.Row, error) bool) {
		for {
			row, err := p.Next()
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

// RowCount returns the number of rows produced so far
func (p *TableParser) RowCount() int {
	return p.rows
}

// Close releases the arena and the chunk source
func (p *TableParser) Close() error {
	if p.arena != nil {
		p.opts.pool.PutByteBuffer(p.arena)
		p.arena = nil
	}
	p.row = nil
	if p.err == nil {
		p.err = io.ErrClosedPipe
	}
	return p.reader.Close()
}

// delimits reports whether table structure tags are honoured at the current depth
func (p *TableParser) delimits() bool {
	return p.nestedDepth == 0 && p.tableDepth <= 1
}

// startTag handles a start tag and reports a completed row if the tag closed one
func (p *TableParser) startTag(selfClosing bool) (model.Row, bool, error) {
	name, hasAttr := p.z.TagName()
	a := atom.Lookup(name)
	if isSkipped(a) {
		if !selfClosing {
			p.skipDepth++
		}
		return nil, false, nil
	}
	if p.skipDepth > 0 {
		return nil, false, nil
	}
	switch a {
	case atom.Table:
		switch {
		case selfClosing:
		case p.cellOpen || p.nestedDepth > 0:
			// a table inside a cell is nested even without an outer <table>
			p.nestedDepth++
		default:
			p.tableDepth++
		}
	case atom.Tr:
		if !p.delimits() {
			return nil, false, nil
		}
		row, ok := p.closeRow()
		p.rowOpen = true
		return row, ok, nil
	case atom.Td, atom.Th:
		if !p.delimits() {
			return nil, false, nil
		}
		p.closeCell()
		rowSpan, colSpan, err := p.readSpans(hasAttr)
		if err != nil {
			return p.failRow(err)
		}
		p.rowOpen = true
		p.cellOpen = true
		p.cellStart = len(p.arena)
		p.cell = model.Cell{RowSpan: rowSpan, ColSpan: colSpan}
		if selfClosing {
			p.closeCell()
		}
	}
	return nil, false, nil
}

// endTag handles an end tag and reports a completed row if the tag closed one
func (p *TableParser) endTag() (model.Row, bool) {
	name, _ := p.z.TagName()
	a := atom.Lookup(name)
	if isSkipped(a) {
		if p.skipDepth > 0 {
			p.skipDepth--
		}
		return nil, false
	}
	if p.skipDepth > 0 {
		return nil, false
	}
	switch a {
	case atom.Table:
		if p.nestedDepth > 0 {
			p.nestedDepth--
			return nil, false
		}
		if p.tableDepth == 0 {
			return nil, false
		}
		p.tableDepth--
		if p.tableDepth == 0 {
			return p.closeRow()
		}
	case atom.Tr:
		if p.delimits() {
			return p.closeRow()
		}
	case atom.Td, atom.Th:
		if p.delimits() {
			p.closeCell()
		}
	}
	return nil, false
}

// isSkipped reports whether the content of an element never reaches a cell
func isSkipped(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Template, atom.Noscript:
		return true
	}
	return false
}

// readSpans reads the rowspan and colspan attributes of the current tag
func (p *TableParser) readSpans(hasAttr bool) (int, int, error) {
	rowSpan, colSpan := 1, 1
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = p.z.TagAttr()
		if p.validateUTF8 && !utf8.Valid(val) {
			return 0, 0, &model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "invalid UTF-8 in attribute"}
		}
		switch string(key) {
		case "rowspan":
			rowSpan = parseSpan(val)
		case "colspan":
			colSpan = parseSpan(val)
		}
	}
	return rowSpan, colSpan, nil
}

// parseSpan parses a span attribute; absent, non-numeric and non-positive
// values mean 1
func parseSpan(val []byte) int {
	n, err := strconv.Atoi(strings.TrimSpace(string(val)))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// isPartialTag reports whether the raw bytes of a text token look like a tag
// cut off by the end of the input. Outside raw text elements the tokenizer
// never yields '<' followed by a letter as text, so the last text token of a
// document is checked by finish.
func isPartialTag(raw []byte) bool {
	var rest []byte
	switch {
	case bytes.HasPrefix(raw, []byte("</")):
		rest = raw[2:]
	case bytes.HasPrefix(raw, []byte("<")):
		rest = raw[1:]
	default:
		return false
	}
	if len(rest) == 0 {
		return false
	}
	c := rest[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// closeCell materializes the open cell into the current row
func (p *TableParser) closeCell() {
	if !p.cellOpen {
		return
	}
	content := string(p.arena[p.cellStart:])
	if p.opts.trimSpace {
		content = strings.TrimSpace(content)
	}
	p.cell.Content = content
	p.row = append(p.row, p.cell)
	p.cellOpen = false
}

// closeRow completes the open row, if any
func (p *TableParser) closeRow() (model.Row, bool) {
	p.closeCell()
	if !p.rowOpen {
		return nil, false
	}
	p.rowOpen = false
	p.rows++
	return p.row, true
}

// releaseRow resets the arena and the row slice of the previously returned row
func (p *TableParser) releaseRow() {
	if p.cellOpen {
		return
	}
	clear(p.row)
	p.row = p.row[:0]
	p.arena = p.arena[:0]
}

// finish handles the end of the token stream
func (p *TableParser) finish() (model.Row, error) {
	err := p.z.Err()
	switch {
	case errors.Is(err, html.ErrBufferExceeded):
		return p.fail(&model.ResourceLimitError{
			Resource: "token bytes",
			Limit:    int64(p.opts.maxTokenBytes),
			Actual:   int64(len(p.z.Raw())),
		})
	case !errors.Is(err, io.EOF):
		return p.fail(&model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "cannot read document", Err: err})
	case len(p.z.Raw()) > 0, p.partialTag:
		return p.fail(&model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "unterminated tag"})
	case p.cellOpen:
		return p.fail(&model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "document ends inside a cell"})
	case p.rowOpen:
		return p.fail(&model.MalformedMarkupError{Offset: p.reader.Consumed(), Reason: "document ends inside a row"})
	}

	p.opts.logger.Debug("table parsed",
		slog.Int("rows", p.rows),
		slog.Int64("bytes", p.reader.Consumed()))
	p.err = io.EOF
	return nil, io.EOF
}

func (p *TableParser) fail(err error) (model.Row, error) {
	p.err = err
	return nil, err
}

func (p *TableParser) failRow(err error) (model.Row, bool, error) {
	p.err = err
	return nil, false, err
}
