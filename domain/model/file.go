package model

import (
	"path/filepath"
	"strings"
)

// FileType represents supported grid source types
type FileType int

const (
	// FileTypeHTML represents an HTML document holding one grid table
	FileTypeHTML FileType = iota
	// FileTypeUnsupported represents unsupported file type
	FileTypeUnsupported
)

// File extensions
const (
	// ExtHTML is the HTML file extension
	ExtHTML = ".html"
	// ExtHTM is the short HTML file extension
	ExtHTM = ".htm"
	// ExtGZ is the gzip compression extension
	ExtGZ = ".gz"
	// ExtBZ2 is the bzip2 compression extension
	ExtBZ2 = ".bz2"
	// ExtXZ is the xz compression extension
	ExtXZ = ".xz"
	// ExtZSTD is the zstd compression extension
	ExtZSTD = ".zst"
)

// compressionExtensions lists recognised compression suffixes
var compressionExtensions = []string{ExtGZ, ExtBZ2, ExtXZ, ExtZSTD}

// File represents a grid source file on disk
type File struct {
	path        string
	fileType    FileType
	compression CompressionType
}

// NewFile creates a new File
func NewFile(path string) *File {
	return &File{
		path:        path,
		fileType:    detectFileType(path),
		compression: DetectCompression(path),
	}
}

// IsSupportedFile checks if the file has a supported extension
func IsSupportedFile(fileName string) bool {
	return detectFileType(fileName) == FileTypeHTML
}

// Path returns file path
func (f *File) Path() string {
	return f.path
}

// Type returns file type
func (f *File) Type() FileType {
	return f.fileType
}

// Compression returns the compression detected from the file name
func (f *File) Compression() CompressionType {
	return f.compression
}

// IsCompressed returns true if file is compressed
func (f *File) IsCompressed() bool {
	return f.compression != CompressionNone
}

// GridName returns the logical grid name derived from the file name,
// e.g. "/data/Sales Report.html.gz" becomes "Sales Report".
func (f *File) GridName() string {
	return GridNameFromPath(f.path)
}

// DetectCompression detects the compression type from a file path
func DetectCompression(path string) CompressionType {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ExtGZ):
		return CompressionGZ
	case strings.HasSuffix(lower, ExtBZ2):
		return CompressionBZ2
	case strings.HasSuffix(lower, ExtXZ):
		return CompressionXZ
	case strings.HasSuffix(lower, ExtZSTD):
		return CompressionZSTD
	default:
		return CompressionNone
	}
}

// RemoveCompressionExtension removes the compression extension from a path if present
func RemoveCompressionExtension(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range compressionExtensions {
		if strings.HasSuffix(lower, ext) {
			return path[:len(path)-len(ext)]
		}
	}
	return path
}

// GridNameFromPath creates the grid name from a file path
func GridNameFromPath(path string) string {
	base := RemoveCompressionExtension(filepath.Base(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// detectFileType detects file type from extension, considering compressed files
func detectFileType(path string) FileType {
	ext := strings.ToLower(filepath.Ext(RemoveCompressionExtension(path)))
	switch ext {
	case ExtHTML, ExtHTM:
		return FileTypeHTML
	default:
		return FileTypeUnsupported
	}
}
