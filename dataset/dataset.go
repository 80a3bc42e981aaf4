package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/gridexport/domain/model"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DriverName is the database/sql driver used for datasets
const DriverName = "sqlite"

// DefaultPageSize is the number of rows fetched per query
const DefaultPageSize = 5000

// Table is one exportable table of the dataset
type Table struct {
	Name    string
	Columns model.Header
	// Declared holds the declared SQL type of each column, "" when none.
	Declared []string
}

// Grid is one free-form HTML grid listed in _grids
type Grid struct {
	Checksum string
	Title    string
	URL      string
}

// Dataset is a read-only view over a SQLite dataset
type Dataset struct {
	db       *sql.DB
	owned    bool
	pageSize int
	logger   *slog.Logger
}

// Option configures a Dataset
type Option func(*Dataset)

// WithPageSize sets the number of rows fetched per query
func WithPageSize(n int) Option {
	return func(d *Dataset) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithLogger sets the logger of the dataset
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dataset) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Open opens the SQLite database at path
func Open(ctx context.Context, path string, opts ...Option) (*Dataset, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open dataset %s: %w", path, err), db.Close())
	}
	d := New(db, opts...)
	d.owned = true
	return d, nil
}

// New wraps an open database. Close does not close db.
func New(db *sql.DB, opts ...Option) *Dataset {
	d := &Dataset{
		db:       db,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DB returns the underlying database
func (d *Dataset) DB() *sql.DB {
	return d.db
}

// Close closes the database if it was opened by Open
func (d *Dataset) Close() error {
	if !d.owned {
		return nil
	}
	return d.db.Close()
}

// Tables lists the user tables and their columns. Tables starting with an
// underscore hold metadata and are skipped.
func (d *Dataset) Tables(ctx context.Context) ([]Table, error) {
	names, err := d.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "_") {
			continue
		}
		columns, declared, err := d.tableColumns(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get columns for table %s: %w", name, err)
		}
		tables = append(tables, Table{Name: name, Columns: columns, Declared: declared})
	}
	return tables, nil
}

// Grids lists the grids of _grids. A dataset without a readable _grids
// table has no grids; the error is logged.
func (d *Dataset) Grids(ctx context.Context) ([]Grid, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT checksum, title, url FROM _grids")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("could not get _grids", slog.String("error", err.Error()))
		return nil, nil
	}
	defer rows.Close()

	var grids []Grid
	for rows.Next() {
		var checksum, title, url sql.NullString
		if err := rows.Scan(&checksum, &title, &url); err != nil {
			return nil, fmt.Errorf("failed to scan _grids: %w", err)
		}
		grid := Grid{Checksum: checksum.String, Title: title.String, URL: url.String}
		if grid.Title == "" {
			grid.Title = grid.Checksum
		}
		grids = append(grids, grid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read _grids: %w", err)
	}
	return grids, nil
}

// Rows returns a paged reader over the rows of table, in column order
func (d *Dataset) Rows(table Table) *RowReader {
	return &RowReader{
		db:       d.db,
		table:    table,
		pageSize: d.pageSize,
	}
}

// tableNames retrieves all user-defined table names
func (d *Dataset) tableNames(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to get table names: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// tableColumns retrieves the column names and declared types of a table
func (d *Dataset) tableColumns(ctx context.Context, table string) (model.Header, []string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var names, declared []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, nil, err
		}
		names = append(names, name)
		declared = append(declared, typ)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return model.NewHeader(names), declared, nil
}

// ColumnTypes returns the type of every column of table. The declared type
// gives the candidate and the storage classes present in the table narrow
// it, so every stored value parses as its column type: a numeric column
// holding text becomes text, an integer column holding reals becomes real.
func (d *Dataset) ColumnTypes(ctx context.Context, table Table) ([]model.ColumnType, error) {
	types := make([]model.ColumnType, len(table.Columns))
	var exprs []string
	var numeric []int
	for i, name := range table.Columns {
		if i < len(table.Declared) {
			types[i] = model.ColumnTypeFromDeclared(table.Declared[i])
		}
		if !types[i].IsNumeric() {
			continue
		}
		col := QuoteIdentifier(name)
		exprs = append(exprs,
			fmt.Sprintf("coalesce(max(typeof(%s) IN ('text', 'blob')), 0)", col),
			fmt.Sprintf("coalesce(max(typeof(%s) = 'real'), 0)", col))
		numeric = append(numeric, i)
	}
	if len(numeric) == 0 {
		return types, nil
	}

	flags := make([]int64, len(exprs))
	ptrs := make([]any, len(exprs))
	for i := range flags {
		ptrs[i] = &flags[i]
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), QuoteIdentifier(table.Name))
	if err := d.db.QueryRowContext(ctx, query).Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to check column types of table %s: %w", table.Name, err)
	}

	for n, i := range numeric {
		hasText, hasReal := flags[2*n] == 1, flags[2*n+1] == 1
		switch {
		case hasText:
			d.logger.Debug("numeric column holds text",
				slog.String("table", table.Name),
				slog.String("column", table.Columns[i]))
			types[i] = model.ColumnTypeText
		case hasReal:
			types[i] = model.ColumnTypeReal
		}
	}
	return types, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// RowReader pages through a table with LIMIT/OFFSET queries so that only one
// page is held in memory.
type RowReader struct {
	db       *sql.DB
	table    Table
	pageSize int

	page   []model.Record
	offset int
	done   bool
}

// Next returns the next row, or io.EOF after the last one
func (r *RowReader) Next(ctx context.Context) (model.Record, error) {
	if len(r.page) == 0 {
		if r.done {
			return nil, io.EOF
		}
		if err := r.fetch(ctx); err != nil {
			return nil, err
		}
		if len(r.page) == 0 {
			return nil, io.EOF
		}
	}
	record := r.page[0]
	r.page = r.page[1:]
	return record, nil
}

// fetch loads the next page
func (r *RowReader) fetch(ctx context.Context) error {
	columns := make([]string, len(r.table.Columns))
	for i, c := range r.table.Columns {
		columns[i] = QuoteIdentifier(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT ? OFFSET ?",
		strings.Join(columns, ", "), QuoteIdentifier(r.table.Name))

	rows, err := r.db.QueryContext(ctx, query, r.pageSize, r.offset)
	if err != nil {
		return fmt.Errorf("failed to query table %s: %w", r.table.Name, err)
	}
	defer rows.Close()

	page := make([]model.Record, 0, r.pageSize)
	dest := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan table %s: %w", r.table.Name, err)
		}
		record := make(model.Record, len(dest))
		for i, v := range dest {
			record[i] = FormatValue(v)
		}
		page = append(page, record)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table %s: %w", r.table.Name, err)
	}

	r.page = page
	r.offset += len(page)
	r.done = len(page) < r.pageSize
	return nil
}

// FormatValue renders a SQLite value as text. NULL becomes the empty string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

// QuoteIdentifier quotes a table or column name for SQLite
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
