package gridexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nao1215/gridexport/domain/model"
)

// defaultMemoryCheckInterval is the number of rows between two heap checks
const defaultMemoryCheckInterval = 512

// Sink is an output destination that accepts resolved rows in order.
//
// A sink writes to a scratch location and installs its output only in
// Finalize. Abort discards whatever was written. Write must not retain or
// modify the row: the same instance is handed to every sink.
type Sink interface {
	// Name identifies the sink in errors, logs and observer callbacks.
	Name() string
	// Open prepares the scratch output.
	Open() error
	// Write appends one row.
	Write(row *model.GridRow) error
	// Finalize flushes and installs the output.
	Finalize() error
	// Abort discards the scratch output.
	Abort() error
}

// SinkObserver is notified about the lifecycle of every sink.
// A state store maps the callbacks to generating, generated and failed.
type SinkObserver interface {
	SinkOpened(name string)
	SinkFinalized(name string)
	SinkAborted(name string, err error)
}

// sinkState is the lifecycle state of one sink
type sinkState int

const (
	sinkIdle sinkState = iota
	sinkOpen
	sinkFailed
	sinkFinalized
	sinkAborted
)

// sinkHandle is the write cursor of one sink, owned by the writer
type sinkHandle struct {
	sink  Sink
	state sinkState
	rows  int
}

// writerOptions holds MultiSinkRowWriter configuration
type writerOptions struct {
	observers     []SinkObserver
	logger        *slog.Logger
	memoryLimit   *MemoryLimit
	checkInterval int
}

// WriterOption configures a MultiSinkRowWriter
type WriterOption func(*writerOptions)

// WithObserver adds a sink lifecycle observer
func WithObserver(observer SinkObserver) WriterOption {
	return func(o *writerOptions) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithWriterLogger sets the logger of the writer
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(o *writerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMemoryLimit makes Copy sample the heap every interval rows. It logs a
// warning above the threshold of limit and aborts with a ResourceLimitError
// above the limit itself.
func WithMemoryLimit(limit *MemoryLimit, interval int) WriterOption {
	return func(o *writerOptions) {
		o.memoryLimit = limit
		if interval > 0 {
			o.checkInterval = interval
		}
	}
}

// MultiSinkRowWriter fans every row out to several sinks in one pass.
//
// Each sink sees each row exactly once and in the same order. A sink whose
// Open, Write or Finalize fails is aborted and marked terminal; the remaining
// sinks keep receiving rows and are finalized normally. All failures are
// reported together as model.SinkErrors.
type MultiSinkRowWriter struct {
	handles  []*sinkHandle
	opts     writerOptions
	failures model.SinkErrors
	rows     int

	memoryWarned bool
}

// NewMultiSinkRowWriter creates a writer over sinks
func NewMultiSinkRowWriter(sinks []Sink, opts ...WriterOption) *MultiSinkRowWriter {
	o := writerOptions{
		logger:        slog.Default(),
		checkInterval: defaultMemoryCheckInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	handles := make([]*sinkHandle, 0, len(sinks))
	for _, s := range sinks {
		handles = append(handles, &sinkHandle{sink: s})
	}
	return &MultiSinkRowWriter{handles: handles, opts: o}
}

// Alive returns the number of sinks that can still receive rows
func (w *MultiSinkRowWriter) Alive() int {
	n := 0
	for _, h := range w.handles {
		if h.state == sinkOpen {
			n++
		}
	}
	return n
}

// Rows returns the number of rows distributed so far
func (w *MultiSinkRowWriter) Rows() int {
	return w.rows
}

// Failures returns the sink failures recorded so far
func (w *MultiSinkRowWriter) Failures() model.SinkErrors {
	return w.failures
}

// Open opens every sink. It fails only when no sink could be opened.
func (w *MultiSinkRowWriter) Open() error {
	if len(w.handles) == 0 {
		return ErrNoSinks
	}
	for _, h := range w.handles {
		if h.state != sinkIdle {
			return fmt.Errorf("%w: %s is already open", ErrSinkState, h.sink.Name())
		}
		if err := h.sink.Open(); err != nil {
			w.fail(h, "open", -1, err)
			continue
		}
		h.state = sinkOpen
		for _, obs := range w.opts.observers {
			obs.SinkOpened(h.sink.Name())
		}
	}
	return w.deadErr()
}

// Write hands row to every surviving sink. It fails only when no sink is
// left alive.
func (w *MultiSinkRowWriter) Write(row *model.GridRow) error {
	for _, h := range w.handles {
		if h.state != sinkOpen {
			continue
		}
		if err := h.sink.Write(row); err != nil {
			w.fail(h, "write", row.Index, err)
			continue
		}
		h.rows++
	}
	w.rows++
	return w.deadErr()
}

// Finalize installs the output of every surviving sink and returns the
// aggregated failures of the whole export, or nil.
func (w *MultiSinkRowWriter) Finalize() error {
	for _, h := range w.handles {
		if h.state != sinkOpen {
			continue
		}
		if err := h.sink.Finalize(); err != nil {
			w.fail(h, "finalize", -1, err)
			continue
		}
		h.state = sinkFinalized
		w.opts.logger.Debug("sink finalized",
			slog.String("sink", h.sink.Name()),
			slog.Int("rows", h.rows))
		for _, obs := range w.opts.observers {
			obs.SinkFinalized(h.sink.Name())
		}
	}
	if len(w.failures) == 0 {
		return nil
	}
	return w.failures
}

// Abort discards the output of every open sink after a fatal error
func (w *MultiSinkRowWriter) Abort(cause error) error {
	var errs []error
	for _, h := range w.handles {
		if h.state != sinkOpen {
			continue
		}
		h.state = sinkAborted
		if err := h.sink.Abort(); err != nil {
			errs = append(errs, &model.SinkError{Sink: h.sink.Name(), Op: "abort", Row: -1, Err: err})
		}
		for _, obs := range w.opts.observers {
			obs.SinkAborted(h.sink.Name(), cause)
		}
	}
	if cause != nil {
		w.opts.logger.Warn("export aborted",
			slog.Int("rows", w.rows),
			slog.String("error", cause.Error()))
	}
	return errors.Join(errs...)
}

// Copy opens the sinks, writes every row of src and finalizes them. A source
// error or a cancelled context aborts every sink and is returned as is.
func (w *MultiSinkRowWriter) Copy(ctx context.Context, src GridRowSource) (int, error) {
	if err := w.Open(); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return w.rows, w.abortWith(fmt.Errorf("%w: %w", ErrContextCancelled, err))
		}
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return w.rows, w.abortWith(err)
		}
		if err := w.Write(row); err != nil {
			return w.rows, err
		}
		if err := w.checkMemory(); err != nil {
			return w.rows, w.abortWith(err)
		}
	}
	return w.rows, w.Finalize()
}

// abortWith aborts every sink and returns cause joined with abort failures
func (w *MultiSinkRowWriter) abortWith(cause error) error {
	if err := w.Abort(cause); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// checkMemory samples the heap every checkInterval rows. The first sample
// above the warning threshold is logged.
func (w *MultiSinkRowWriter) checkMemory() error {
	if w.opts.memoryLimit == nil || w.rows%w.opts.checkInterval != 0 {
		return nil
	}
	info := w.opts.memoryLimit.Sample()
	if info.Status == MemoryStatusWarning && !w.memoryWarned {
		w.memoryWarned = true
		w.opts.logger.Warn("heap approaching memory limit",
			slog.Int("rows", w.rows),
			slog.Any("memory", info))
	}
	return info.Err()
}

// fail marks a sink terminal, aborts it and records the failure
func (w *MultiSinkRowWriter) fail(h *sinkHandle, op string, row int, err error) {
	h.state = sinkFailed
	if abortErr := h.sink.Abort(); abortErr != nil {
		err = errors.Join(err, abortErr)
	}
	se := &model.SinkError{Sink: h.sink.Name(), Op: op, Row: row, Err: err}
	w.failures = append(w.failures, se)

	w.opts.logger.Warn("sink failed",
		slog.String("sink", h.sink.Name()),
		slog.String("op", op),
		slog.String("error", err.Error()))
	for _, obs := range w.opts.observers {
		obs.SinkAborted(h.sink.Name(), se)
	}
}

// deadErr returns the aggregated failures once no sink is left alive
func (w *MultiSinkRowWriter) deadErr() error {
	if w.Alive() > 0 {
		return nil
	}
	if len(w.failures) == 0 {
		return ErrNoSinks
	}
	return w.failures
}
