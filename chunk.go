package gridexport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/nao1215/gridexport/domain/model"
)

// DefaultChunkSize is the number of bytes requested from the underlying reader
// per chunk. It has no semantic effect beyond performance.
const DefaultChunkSize = 32 * 1024

// ChunkSource supplies a document as a lazy, finite sequence of byte chunks.
// It is the only stage of the pipeline allowed to block on I/O.
type ChunkSource interface {
	// Next returns the next chunk, or io.EOF after the last one.
	// The returned slice is only valid until the following call.
	Next() ([]byte, error)
	// Close releases the underlying I/O handle.
	Close() error
}

// readerChunkSource reads fixed-size chunks from an io.Reader
type readerChunkSource struct {
	reader  io.Reader
	closers []func() error
	buf     []byte
	err     error
}

// NewReaderChunkSource creates a ChunkSource reading chunkSize bytes at a time
// from reader. If reader implements io.Closer, Close closes it.
func NewReaderChunkSource(reader io.Reader, chunkSize int) ChunkSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	src := &readerChunkSource{
		reader: reader,
		buf:    make([]byte, chunkSize),
	}
	if c, ok := reader.(io.Closer); ok {
		src.closers = append(src.closers, c.Close)
	}
	return src
}

// OpenFileChunkSource opens path and returns a ChunkSource over its content.
// Compressed files (.gz, .bz2, .xz, .zst) are decompressed transparently.
func OpenFileChunkSource(path string, chunkSize int) (ChunkSource, error) {
	file, err := os.Open(path) //nolint:gosec // User-provided path is necessary for file operations
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return newDecompressingChunkSource(file, path, chunkSize)
}

// OpenFSChunkSource is OpenFileChunkSource for a file of an fs.FS
func OpenFSChunkSource(fsys fs.FS, name string, chunkSize int) (ChunkSource, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open FS file %s: %w", name, err)
	}
	return newDecompressingChunkSource(file, name, chunkSize)
}

// newDecompressingChunkSource wraps file in the decompressor matching name
func newDecompressingChunkSource(file io.ReadCloser, name string, chunkSize int) (ChunkSource, error) {
	reader, release, err := decompress(model.DetectCompression(name), file)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", name, err), file.Close())
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &readerChunkSource{
		reader:  reader,
		closers: []func() error{release, file.Close},
		buf:     make([]byte, chunkSize),
	}, nil
}

// Next implements ChunkSource
func (s *readerChunkSource) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		n, err := s.reader.Read(s.buf)
		if err != nil {
			s.err = err
		}
		if n > 0 {
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close implements ChunkSource
func (s *readerChunkSource) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.err == nil {
		s.err = io.ErrClosedPipe
	}
	return errors.Join(errs...)
}

// sliceChunkSource serves pre-split chunks, mainly for tests and for callers
// that already hold the document in memory
type sliceChunkSource struct {
	chunks [][]byte
}

// NewSliceChunkSource creates a ChunkSource returning the given chunks in order
func NewSliceChunkSource(chunks ...[]byte) ChunkSource {
	return &sliceChunkSource{chunks: chunks}
}

// Next implements ChunkSource
func (s *sliceChunkSource) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks[0] = nil
	s.chunks = s.chunks[1:]
	return chunk, nil
}

// Close implements ChunkSource
func (s *sliceChunkSource) Close() error {
	s.chunks = nil
	return nil
}

// ChunkReader adapts a ChunkSource to io.Reader. It pulls the next chunk only
// when the caller asks for more bytes than are currently buffered.
type ChunkReader struct {
	src      ChunkSource
	pending  []byte
	consumed int64
	err      error
}

// NewChunkReader creates a ChunkReader over src
func NewChunkReader(src ChunkSource) *ChunkReader {
	return &ChunkReader{src: src}
}

// Read implements io.Reader
func (r *ChunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.src.Next()
		r.pending = chunk
		r.err = err
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	r.consumed += int64(n)
	return n, nil
}

// Consumed returns the number of bytes handed out so far
func (r *ChunkReader) Consumed() int64 {
	return r.consumed
}

// Close releases the underlying ChunkSource
func (r *ChunkReader) Close() error {
	r.pending = nil
	return r.src.Close()
}
