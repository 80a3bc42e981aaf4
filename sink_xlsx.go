package gridexport

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nao1215/gridexport/domain/model"
	"github.com/xuri/excelize/v2"
)

// DefaultWorkbookName is the file name of the workbook holding every table
const DefaultWorkbookName = "all_tables.xlsx"

// SheetOptions configures one worksheet
type SheetOptions struct {
	// Header is written as the first row when set.
	Header model.Header
	// MergeSpans writes every source span as a merged range in addition to
	// the duplicated values.
	MergeSpans bool
}

// Workbook is one XLSX file with a worksheet per table or grid.
//
// Sheets are streamed one after another through excelize stream writers.
// The file is written to a scratch location by Save and renamed into place,
// so a workbook that is never saved leaves nothing behind.
type Workbook struct {
	path         string
	file         *excelize.File
	defaultSheet string
	sheets       []*SheetSink
	used         map[string]struct{}
	logger       *slog.Logger
	saved        bool
}

// NewWorkbook creates an empty workbook that will be saved at path
func NewWorkbook(path string, logger *slog.Logger) *Workbook {
	if logger == nil {
		logger = slog.Default()
	}
	file := excelize.NewFile()
	return &Workbook{
		path:         path,
		file:         file,
		defaultSheet: file.GetSheetName(0),
		used:         make(map[string]struct{}),
		logger:       logger,
	}
}

// Name returns the file name of the workbook
func (wb *Workbook) Name() string {
	return filepath.Base(wb.path)
}

// Path returns the destination path
func (wb *Workbook) Path() string {
	return wb.path
}

// AddSheet returns a sink writing a new worksheet. The name is made valid
// for Excel and unique within the workbook.
func (wb *Workbook) AddSheet(name string, opts SheetOptions) *SheetSink {
	sheet := &SheetSink{
		wb:    wb,
		sheet: wb.uniqueSheetName(model.MakeSheetName(name)),
		opts:  opts,
	}
	wb.sheets = append(wb.sheets, sheet)
	return sheet
}

// Sheets returns the names of the finalized worksheets
func (wb *Workbook) Sheets() []string {
	var names []string
	for _, s := range wb.sheets {
		if s.state == sinkFinalized {
			names = append(names, s.sheet)
		}
	}
	return names
}

// uniqueSheetName appends _2, _3, ... to names already taken. Excel compares
// sheet names case-insensitively.
func (wb *Workbook) uniqueSheetName(name string) string {
	candidate := name
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, ok := wb.used[key]; !ok {
			wb.used[key] = struct{}{}
			return candidate
		}
		suffix := "_" + strconv.Itoa(n)
		base := name
		for utf8.RuneCountInString(base)+len(suffix) > model.MaxSheetNameLength {
			_, size := utf8.DecodeLastRuneInString(base)
			base = base[:len(base)-size]
		}
		candidate = base + suffix
	}
}

// Save writes the workbook with its finalized sheets. A workbook without any
// finalized sheet is not written and reports model.ErrDatasetEmpty.
func (wb *Workbook) Save() error {
	if wb.saved {
		return fmt.Errorf("%w: %s already saved", ErrSinkState, wb.Name())
	}
	for _, s := range wb.sheets {
		if s.state == sinkOpen {
			return fmt.Errorf("%w: sheet %s is still open", ErrSinkState, s.sheet)
		}
	}
	names := wb.Sheets()
	if len(names) == 0 {
		return fmt.Errorf("%w: %s has no sheets", model.ErrDatasetEmpty, wb.Name())
	}

	if !wb.hasSheet(wb.defaultSheet) {
		if err := wb.file.DeleteSheet(wb.defaultSheet); err != nil {
			return fmt.Errorf("failed to remove default sheet: %w", err)
		}
	}
	if idx, err := wb.file.GetSheetIndex(names[0]); err == nil && idx >= 0 {
		wb.file.SetActiveSheet(idx)
	}

	scratch, err := newScratchFile(wb.path)
	if err != nil {
		return err
	}
	if _, err := wb.file.WriteTo(scratch); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", wb.Name(), err), scratch.Discard())
	}
	if err := scratch.Commit(); err != nil {
		return err
	}
	wb.saved = true
	wb.logger.Debug("workbook saved", slog.String("path", wb.path), slog.Int("sheets", len(names)))
	return nil
}

// Close releases the temporary files of the stream writers
func (wb *Workbook) Close() error {
	return wb.file.Close()
}

func (wb *Workbook) hasSheet(name string) bool {
	for _, s := range wb.sheets {
		if s.state == sinkFinalized && s.sheet == name {
			return true
		}
	}
	return false
}

// SheetSink streams rows into one worksheet of a Workbook
type SheetSink struct {
	wb    *Workbook
	sheet string
	opts  SheetOptions

	sw       *excelize.StreamWriter
	offset   int
	rows     int
	merges   []model.Span
	rowValue []any
	state    sinkState
}

// Name returns the workbook and sheet name
func (s *SheetSink) Name() string {
	return s.wb.Name() + "/" + s.sheet
}

// Sheet returns the worksheet name
func (s *SheetSink) Sheet() string {
	return s.sheet
}

// Open creates the worksheet and writes the header
func (s *SheetSink) Open() error {
	if s.state != sinkIdle {
		return fmt.Errorf("%w: %s is already open", ErrSinkState, s.Name())
	}
	if _, err := s.wb.file.NewSheet(s.sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", s.sheet, err)
	}
	sw, err := s.wb.file.NewStreamWriter(s.sheet)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create stream writer: %w", err), s.wb.file.DeleteSheet(s.sheet))
	}
	s.sw = sw
	s.state = sinkOpen

	if len(s.opts.Header) > 0 {
		if err := s.setRow(0, s.opts.Header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		s.offset = 1
	}
	return nil
}

// Write appends one row and, in MergeSpans mode, the spans anchored on it
func (s *SheetSink) Write(row *model.GridRow) error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if err := s.setRow(s.offset+s.rows, row.Values); err != nil {
		return err
	}
	s.rows++
	if !s.opts.MergeSpans {
		return nil
	}
	for _, span := range row.Spans {
		if err := s.WriteSpan(s.rows-1, span.Col, span.RowSpan, span.ColSpan, span.Content); err != nil {
			return err
		}
	}
	return nil
}

// WriteSpan writes a merged range anchored at the 0-based data row and column.
// The anchor is either the row written last or the next row, in which case a
// row holding only content at col is written first. Ranges overlapping an
// earlier merged range are kept as plain values.
func (s *SheetSink) WriteSpan(row, col, rowSpan, colSpan int, content string) error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if rowSpan < 1 || colSpan < 1 || col < 0 {
		return fmt.Errorf("invalid span %dx%d at column %d", rowSpan, colSpan, col)
	}
	switch {
	case row == s.rows:
		values := make(model.Record, col+1)
		values[col] = content
		if err := s.setRow(s.offset+row, values); err != nil {
			return err
		}
		s.rows++
	case row != s.rows-1:
		return fmt.Errorf("%w: span at row %d is not on the current row %d", ErrSinkState, row, s.rows-1)
	}

	span := model.Span{Row: row, Col: col, RowSpan: rowSpan, ColSpan: colSpan, Content: content}
	if span.RowSpan == 1 && span.ColSpan == 1 {
		return nil
	}
	active := s.merges[:0]
	for _, m := range s.merges {
		if m.LastRow() >= row {
			active = append(active, m)
		}
	}
	s.merges = active
	for _, m := range s.merges {
		if spansOverlap(m, span) {
			s.wb.logger.Debug("overlapping span kept unmerged",
				slog.String("sheet", s.sheet),
				slog.Int("row", row),
				slog.Int("col", col))
			return nil
		}
	}

	topLeft, err := excelize.CoordinatesToCellName(col+1, s.offset+row+1)
	if err != nil {
		return err
	}
	bottomRight, err := excelize.CoordinatesToCellName(span.LastCol()+1, s.offset+span.LastRow()+1)
	if err != nil {
		return err
	}
	if err := s.sw.MergeCell(topLeft, bottomRight); err != nil {
		return fmt.Errorf("failed to merge %s:%s: %w", topLeft, bottomRight, err)
	}
	s.merges = append(s.merges, span)
	return nil
}

// Finalize flushes the worksheet. The workbook is written by Workbook.Save.
func (s *SheetSink) Finalize() error {
	if s.state != sinkOpen {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if err := s.sw.Flush(); err != nil {
		return errors.Join(fmt.Errorf("failed to flush sheet %s: %w", s.sheet, err), s.Abort())
	}
	s.state = sinkFinalized
	return nil
}

// Abort removes the worksheet from the workbook
func (s *SheetSink) Abort() error {
	if s.state != sinkOpen {
		return nil
	}
	s.state = sinkAborted
	return errors.Join(s.sw.Flush(), s.wb.file.DeleteSheet(s.sheet))
}

// setRow writes values at the 0-based sheet row
func (s *SheetSink) setRow(sheetRow int, values []string) error {
	if sheetRow >= excelize.TotalRows {
		return &model.ResourceLimitError{Resource: "worksheet rows", Limit: excelize.TotalRows, Actual: int64(sheetRow + 1)}
	}
	cell, err := excelize.CoordinatesToCellName(1, sheetRow+1)
	if err != nil {
		return err
	}
	s.rowValue = s.rowValue[:0]
	for _, v := range values {
		s.rowValue = append(s.rowValue, v)
	}
	return s.sw.SetRow(cell, s.rowValue)
}

// spansOverlap reports whether two spans share a position
func spansOverlap(a, b model.Span) bool {
	return a.Row <= b.LastRow() && b.Row <= a.LastRow() &&
		a.Col <= b.LastCol() && b.Col <= a.LastCol()
}

// workbookFileSink writes one table or grid as its own single-sheet workbook
type workbookFileSink struct {
	path   string
	opts   SheetOptions
	logger *slog.Logger
	wb     *Workbook
	sheet  *SheetSink
}

func newWorkbookFileSink(path string, header model.Header, mergeSpans bool, logger *slog.Logger) *workbookFileSink {
	return &workbookFileSink{
		path:   path,
		opts:   SheetOptions{Header: header, MergeSpans: mergeSpans},
		logger: logger,
	}
}

// Name returns the file name
func (s *workbookFileSink) Name() string {
	return filepath.Base(s.path)
}

// Open creates the workbook and its only sheet
func (s *workbookFileSink) Open() error {
	if s.wb != nil {
		return fmt.Errorf("%w: %s is already open", ErrSinkState, s.Name())
	}
	s.wb = NewWorkbook(s.path, s.logger)
	name := strings.TrimSuffix(s.Name(), filepath.Ext(s.path))
	s.sheet = s.wb.AddSheet(name, s.opts)
	if err := s.sheet.Open(); err != nil {
		return errors.Join(err, s.wb.Close())
	}
	return nil
}

// Write appends one row
func (s *workbookFileSink) Write(row *model.GridRow) error {
	if s.sheet == nil {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	return s.sheet.Write(row)
}

// Finalize flushes the sheet and installs the workbook
func (s *workbookFileSink) Finalize() error {
	if s.sheet == nil {
		return fmt.Errorf("%w: %s is not open", ErrSinkState, s.Name())
	}
	if err := s.sheet.Finalize(); err != nil {
		return errors.Join(err, s.wb.Close())
	}
	return errors.Join(s.wb.Save(), s.wb.Close())
}

// Abort drops the workbook without writing it
func (s *workbookFileSink) Abort() error {
	if s.sheet == nil {
		return nil
	}
	err := errors.Join(s.sheet.Abort(), s.wb.Close())
	s.sheet = nil
	return err
}
