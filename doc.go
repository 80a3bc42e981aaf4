// Package gridexport streams HTML tables and SQLite dataset tables into CSV,
// TSV, LTSV, Parquet and Excel (XLSX) files without building a document tree.
//
// An HTML grid is read chunk by chunk, tokenized into authored rows, and its
// rowspan and colspan cells are expanded into a rectangular grid. Every
// resolved row is written to all output sinks in the same order, so the CSV
// file and the worksheet of a grid always hold the same rows.
//
// # Features
//
//   - Bounded memory: only the rows still covered by a rowspan are buffered
//   - Automatic handling of compressed documents (gzip, bzip2, xz, zstandard)
//   - Multiple input sources (files, directories, io.Reader, embed.FS, SQLite datasets)
//   - Atomic outputs: files are written to a scratch file and renamed on success
//   - One failing sink does not stop the others
//   - Export states recorded in the dataset (waiting, generating, generated, failed)
//
// # Basic Usage
//
// The pipeline can be driven directly for a single grid:
//
//	src, err := gridexport.OpenFileChunkSource("prices.html", gridexport.DefaultChunkSize)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sink := gridexport.NewDelimitedSink("prices.csv", nil, model.NewDumpOptions())
//	result, err := gridexport.Export(ctx, src, []gridexport.Sink{sink})
//
// # Advanced Usage
//
// For whole datasets, use the builder:
//
//	builder, err := gridexport.NewExportBuilder().
//	    AddDatabase("dataset.sqlite").
//	    AddPath("grids/").
//	    WithOutputDir("downloads").
//	    WithDumpOptions(model.NewDumpOptions().WithCompression(model.CompressionGZ)).
//	    Build(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer builder.Cleanup()
//
//	report, err := builder.Export(ctx)
//
// # File Naming
//
// Output names are derived from table and grid names with model.MakeFilename:
//   - "Sales Report" becomes "sales_report.csv"
//   - "prices.html.gz" becomes "prices.csv"
//   - a second grid named "prices" becomes "prices_2.csv"
//
// Every source also becomes one worksheet of all_tables.xlsx.
//
// # Spans
//
// A cell spanning several rows or columns repeats its content in every
// covered position. With MergeSpans the worksheets keep the span as a merged
// range instead. Rows still pending when the document ends are an error unless
// WithFlushTrailingSpans is set.
package gridexport
