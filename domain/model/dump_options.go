package model

import "fmt"

// OutputFormat represents the output file format
type OutputFormat int

const (
	// OutputFormatCSV represents CSV output format
	OutputFormatCSV OutputFormat = iota
	// OutputFormatTSV represents TSV output format
	OutputFormatTSV
	// OutputFormatLTSV represents LTSV output format
	OutputFormatLTSV
	// OutputFormatParquet represents Parquet output format
	OutputFormatParquet
	// OutputFormatXLSX represents Excel XLSX output format
	OutputFormatXLSX
)

// String returns the string representation of OutputFormat
func (f OutputFormat) String() string {
	switch f {
	case OutputFormatCSV:
		return "csv"
	case OutputFormatTSV:
		return "tsv"
	case OutputFormatLTSV:
		return "ltsv"
	case OutputFormatParquet:
		return "parquet"
	case OutputFormatXLSX:
		return "xlsx"
	default:
		return "csv"
	}
}

// Extension returns the file extension for the format
func (f OutputFormat) Extension() string {
	return "." + f.String()
}

// ParseOutputFormat maps a format name back to an OutputFormat.
// Unknown names yield OutputFormatCSV and false.
func ParseOutputFormat(name string) (OutputFormat, bool) {
	for _, f := range []OutputFormat{OutputFormatCSV, OutputFormatTSV, OutputFormatLTSV, OutputFormatParquet, OutputFormatXLSX} {
		if f.String() == name {
			return f, true
		}
	}
	return OutputFormatCSV, false
}

// CompressionType represents the compression type
type CompressionType int

const (
	// CompressionNone represents no compression
	CompressionNone CompressionType = iota
	// CompressionGZ represents gzip compression
	CompressionGZ
	// CompressionBZ2 represents bzip2 compression (read only)
	CompressionBZ2
	// CompressionXZ represents xz compression
	CompressionXZ
	// CompressionZSTD represents zstd compression
	CompressionZSTD
)

// String returns the string representation of CompressionType
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGZ:
		return "gz"
	case CompressionBZ2:
		return "bz2"
	case CompressionXZ:
		return "xz"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// Extension returns the file extension for the compression type
func (c CompressionType) Extension() string {
	switch c {
	case CompressionGZ:
		return ExtGZ
	case CompressionBZ2:
		return ExtBZ2
	case CompressionXZ:
		return ExtXZ
	case CompressionZSTD:
		return ExtZSTD
	default:
		return ""
	}
}

// ParseCompressionType maps a compression name back to a CompressionType.
// Unknown names yield CompressionNone and false.
func ParseCompressionType(name string) (CompressionType, bool) {
	for _, c := range []CompressionType{CompressionNone, CompressionGZ, CompressionBZ2, CompressionXZ, CompressionZSTD} {
		if c.String() == name {
			return c, true
		}
	}
	return CompressionNone, false
}

// DumpOptions configures how tables and grids are written to files.
//
// Example:
//
//	options := NewDumpOptions().
//		WithFormat(OutputFormatTSV).
//		WithCompression(CompressionGZ)
type DumpOptions struct {
	// Format specifies the per-table output file format
	Format OutputFormat
	// Compression specifies the compression type of per-table files
	Compression CompressionType
	// MergeSpans keeps spans as merged ranges in the workbook instead of
	// writing the flattened values only
	MergeSpans bool
}

// NewDumpOptions creates default export options (CSV, no compression, flat workbook).
func NewDumpOptions() DumpOptions {
	return DumpOptions{
		Format:      OutputFormatCSV,
		Compression: CompressionNone,
	}
}

// WithFormat sets the output file format.
func (o DumpOptions) WithFormat(format OutputFormat) DumpOptions {
	o.Format = format
	return o
}

// WithCompression adds compression to output files.
// XLSX and Parquet outputs are never compressed.
func (o DumpOptions) WithCompression(compression CompressionType) DumpOptions {
	o.Compression = compression
	return o
}

// WithMergeSpans toggles structural span preservation in the workbook.
func (o DumpOptions) WithMergeSpans(merge bool) DumpOptions {
	o.MergeSpans = merge
	return o
}

// FileExtension returns the complete file extension including compression
func (o DumpOptions) FileExtension() string {
	if o.Format == OutputFormatXLSX || o.Format == OutputFormatParquet {
		return o.Format.Extension()
	}
	return o.Format.Extension() + o.Compression.Extension()
}

// Validate reports options no writer can honor
func (o DumpOptions) Validate() error {
	if o.Format < OutputFormatCSV || o.Format > OutputFormatXLSX {
		return fmt.Errorf("%w: output format %d", ErrUnsupportedOption, int(o.Format))
	}
	if o.Compression < CompressionNone || o.Compression > CompressionZSTD {
		return fmt.Errorf("%w: compression %d", ErrUnsupportedOption, int(o.Compression))
	}
	if o.Compression == CompressionBZ2 && o.Format != OutputFormatXLSX && o.Format != OutputFormatParquet {
		return fmt.Errorf("%w: bzip2 cannot be written", ErrUnsupportedOption)
	}
	return nil
}
