package gridexport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// scratchFile is output written next to its destination and renamed into
// place on Commit, so a failed export never leaves a partial file behind.
type scratchFile struct {
	dest string
	file *os.File
	done bool
}

// newScratchFile creates a hidden temp file in the directory of dest
func newScratchFile(dest string) (*scratchFile, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.CreateTemp(dir, "."+filepath.Base(dest)+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	return &scratchFile{dest: dest, file: file}, nil
}

// Write implements io.Writer
func (s *scratchFile) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Path returns the path of the scratch file
func (s *scratchFile) Path() string {
	return s.file.Name()
}

// Commit installs the scratch file at its destination
func (s *scratchFile) Commit() error {
	if s.done {
		return fmt.Errorf("%w: %s already committed or discarded", ErrSinkState, s.dest)
	}
	s.done = true

	if err := s.file.Sync(); err != nil {
		return errors.Join(fmt.Errorf("failed to sync %s: %w", s.dest, err), s.remove())
	}
	if err := s.file.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close %s: %w", s.dest, err), os.Remove(s.file.Name()))
	}
	if err := os.Rename(s.file.Name(), s.dest); err != nil {
		return errors.Join(fmt.Errorf("failed to install %s: %w", s.dest, err), os.Remove(s.file.Name()))
	}
	return nil
}

// Discard removes the scratch file. It is a no-op after Commit.
func (s *scratchFile) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.remove()
}

func (s *scratchFile) remove() error {
	closeErr := s.file.Close()
	if errors.Is(closeErr, os.ErrClosed) {
		closeErr = nil
	}
	return errors.Join(closeErr, os.Remove(s.file.Name()))
}
