package gridexport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nao1215/gridexport/domain/model"
)

// Standard error messages and error creation functions for consistency
var (
	// ErrMalformedMarkup indicates an unparseable HTML document
	ErrMalformedMarkup = model.ErrMalformedMarkup

	// ErrUnsupportedSpan indicates a span the resolver cannot expand
	ErrUnsupportedSpan = model.ErrUnsupportedSpan

	// ErrSink indicates that an output sink failed
	ErrSink = model.ErrSink

	// ErrResourceLimit indicates that a configured bound was exceeded
	ErrResourceLimit = model.ErrResourceLimit

	// ErrDatasetEmpty indicates a dataset with neither tables nor grids
	ErrDatasetEmpty = model.ErrDatasetEmpty

	// ErrNoSinks indicates an export without any output
	ErrNoSinks = errors.New("gridexport: no sinks configured")

	// ErrNoInputs indicates a builder without any input
	ErrNoInputs = errors.New("gridexport: at least one input is required")

	// ErrUnsupportedFormat indicates an unsupported file format
	ErrUnsupportedFormat = errors.New("gridexport: unsupported file format")

	// ErrUnsupportedCompression indicates a compression that cannot be read or written
	ErrUnsupportedCompression = errors.New("gridexport: unsupported compression")

	// ErrSinkState indicates a sink operation called in the wrong state
	ErrSinkState = errors.New("gridexport: invalid sink state")

	// ErrContextCancelled indicates context was cancelled
	ErrContextCancelled = errors.New("gridexport: context cancelled")
)

// ErrorContext provides context for where an error occurred
type ErrorContext struct {
	Operation string
	FilePath  string
	GridName  string
	Details   string
}

// NewErrorContext creates a new error context
func NewErrorContext(operation, filePath string) *ErrorContext {
	return &ErrorContext{
		Operation: operation,
		FilePath:  filePath,
	}
}

// WithGrid adds the table or grid name to the error
func (ec *ErrorContext) WithGrid(name string) *ErrorContext {
	ec.GridName = name
	return ec
}

// WithDetails adds details to the error context
func (ec *ErrorContext) WithDetails(details string) *ErrorContext {
	ec.Details = details
	return ec
}

// Error creates a formatted error with context
func (ec *ErrorContext) Error(baseErr error) error {
	var parts []string
	parts = append(parts, fmt.Sprintf("gridexport: %s failed", ec.Operation))

	if ec.FilePath != "" {
		parts = append(parts, "file: "+ec.FilePath)
	}

	if ec.GridName != "" {
		parts = append(parts, "grid: "+ec.GridName)
	}

	if ec.Details != "" {
		parts = append(parts, "details: "+ec.Details)
	}

	context := strings.Join(parts, ", ")
	if baseErr != nil {
		return fmt.Errorf("%s: %w", context, baseErr)
	}
	return fmt.Errorf("%s", context)
}
