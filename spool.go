package gridexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// spoolFile holds the decoded bytes of a one-shot document on disk so that
// it can be read once to measure the grid and once more to write it.
type spoolFile struct {
	path      string
	chunkSize int
}

// spoolChunks drains src into a temp file in dir and closes src. Memory use
// is bounded by the chunk size of src.
func spoolChunks(ctx context.Context, src ChunkSource, dir string) (spool *spoolFile, err error) {
	defer func() {
		if closeErr := src.Close(); closeErr != nil && err == nil {
			err = errors.Join(closeErr, spool.Remove())
			spool = nil
		}
	}()

	if dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	file, err := os.CreateTemp(dir, ".gridexport-spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	spool = &spoolFile{path: file.Name()}
	fail := func(err error) (*spoolFile, error) {
		return nil, errors.Join(err, file.Close(), os.Remove(spool.path))
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("%w: %w", ErrContextCancelled, err))
		}
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}
		spool.chunkSize = max(spool.chunkSize, len(chunk))
		if _, err := file.Write(chunk); err != nil {
			return fail(fmt.Errorf("failed to write spool file: %w", err))
		}
	}
	if err := file.Close(); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to close spool file: %w", err), os.Remove(spool.path))
	}
	return spool, nil
}

// Open returns a new ChunkSource over the spooled bytes
func (s *spoolFile) Open() (ChunkSource, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return NewReaderChunkSource(file, s.chunkSize), nil
}

// Remove deletes the spool file
func (s *spoolFile) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	return nil
}
