package model

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the typed errors below through errors.Is.
var (
	// ErrMalformedMarkup indicates input that cannot be parsed as a table
	ErrMalformedMarkup = errors.New("gridexport: malformed markup")

	// ErrUnsupportedSpan indicates a span pattern that cannot be expanded correctly
	ErrUnsupportedSpan = errors.New("gridexport: unsupported span")

	// ErrSink indicates that an output sink failed
	ErrSink = errors.New("gridexport: sink failure")

	// ErrResourceLimit indicates that a configured resource bound was exceeded
	ErrResourceLimit = errors.New("gridexport: resource limit exceeded")

	// ErrDatasetEmpty indicates a dataset with neither tables nor grids
	ErrDatasetEmpty = errors.New("gridexport: dataset contains no data")

	// ErrUnsupportedOption indicates export options no writer supports
	ErrUnsupportedOption = errors.New("gridexport: unsupported option")
)

// MalformedMarkupError is returned when the markup stream is unparseable.
// It is fatal for the whole table: no partial output is installed.
type MalformedMarkupError struct {
	// Offset is the number of input bytes consumed when the error was found.
	Offset int64
	Reason string
	Err    error
}

// Error implements error
func (e *MalformedMarkupError) Error() string {
	msg := fmt.Sprintf("%s at byte %d: %s", ErrMalformedMarkup, e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrMalformedMarkup
func (e *MalformedMarkupError) Is(target error) bool {
	return target == ErrMalformedMarkup
}

// Unwrap returns the underlying cause
func (e *MalformedMarkupError) Unwrap() error {
	return e.Err
}

// UnsupportedSpanError is returned when a span cannot be expanded into the grid.
type UnsupportedSpanError struct {
	// Row is the input row index (0-based) that carried the offending cell.
	Row int
	// Col is the column the resolver tried to place the cell at.
	Col    int
	Reason string
}

// Error implements error
func (e *UnsupportedSpanError) Error() string {
	return fmt.Sprintf("%s: row %d, column %d: %s", ErrUnsupportedSpan, e.Row, e.Col, e.Reason)
}

// Is reports whether target is ErrUnsupportedSpan
func (e *UnsupportedSpanError) Is(target error) bool {
	return target == ErrUnsupportedSpan
}

// ResourceLimitError is returned when a configured bound is exceeded.
type ResourceLimitError struct {
	// Resource names the bound, e.g. "rowspan" or "columns".
	Resource string
	Limit    int64
	Actual   int64
}

// Error implements error
func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s: %s %d exceeds limit %d", ErrResourceLimit, e.Resource, e.Actual, e.Limit)
}

// Is reports whether target is ErrResourceLimit
func (e *ResourceLimitError) Is(target error) bool {
	return target == ErrResourceLimit
}

// SinkError reports the failure of a single sink. Other sinks are not affected.
type SinkError struct {
	// Sink is the name of the failed sink.
	Sink string
	// Op is the sink operation that failed: open, write, finalize or abort.
	Op string
	// Row is the grid row index for write failures, -1 otherwise.
	Row int
	Err error
}

// Error implements error
func (e *SinkError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("%s: %s: %s row %d: %v", ErrSink, e.Sink, e.Op, e.Row, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", ErrSink, e.Sink, e.Op, e.Err)
}

// Is reports whether target is ErrSink
func (e *SinkError) Is(target error) bool {
	return target == ErrSink
}

// Unwrap returns the underlying cause
func (e *SinkError) Unwrap() error {
	return e.Err
}

// SinkErrors aggregates the failures of several sinks so that one sink's
// success never hides another sink's failure.
type SinkErrors []*SinkError

// Error implements error
func (es SinkErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d sink(s) failed: %s", len(es), strings.Join(msgs, "; "))
}

// Unwrap exposes every sink failure to errors.Is and errors.As
func (es SinkErrors) Unwrap() []error {
	errs := make([]error, len(es))
	for i, e := range es {
		errs[i] = e
	}
	return errs
}

// Failed reports whether the named sink is part of the aggregate
func (es SinkErrors) Failed(name string) bool {
	for _, e := range es {
		if e.Sink == name {
			return true
		}
	}
	return false
}
