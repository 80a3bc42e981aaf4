package gridexport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/nao1215/gridexport/domain/model"
)

// fileProcessor collects the HTML grid documents of paths and filesystems
type fileProcessor struct{}

// newFileProcessor creates a new file processor instance
func newFileProcessor() *fileProcessor {
	return &fileProcessor{}
}

// collectFilesFromPaths validates and collects all grid files from the given
// paths. Directories are walked recursively.
func (fp *fileProcessor) collectFilesFromPaths(paths []string) ([]string, error) {
	var collectedPaths []string
	processedFiles := make(map[string]bool)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("path does not exist: %s", path)
			}
			return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
		}

		if info.IsDir() {
			dirFiles, err := fp.collectFilesFromDirectory(path, processedFiles)
			if err != nil {
				return nil, err
			}
			collectedPaths = append(collectedPaths, dirFiles...)
			continue
		}
		if err := fp.addSingleFile(path, processedFiles, &collectedPaths); err != nil {
			return nil, err
		}
	}

	return fp.deduplicateCompressedFiles(collectedPaths), nil
}

// collectFilesFromDirectory recursively collects all supported files from a directory
func (fp *fileProcessor) collectFilesFromDirectory(dirPath string, processedFiles map[string]bool) ([]string, error) {
	var collectedPaths []string

	err := filepath.WalkDir(dirPath, func(filePath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !model.IsSupportedFile(filePath) {
			return nil
		}

		absPath, err := filepath.Abs(filePath)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for %s: %w", filePath, err)
		}
		if !processedFiles[absPath] {
			processedFiles[absPath] = true
			collectedPaths = append(collectedPaths, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", dirPath, err)
	}

	return collectedPaths, nil
}

// addSingleFile validates and adds a single file to the collected paths
func (fp *fileProcessor) addSingleFile(filePath string, processedFiles map[string]bool, collectedPaths *[]string) error {
	if !model.IsSupportedFile(filePath) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filePath)
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for %s: %w", filePath, err)
	}
	if !processedFiles[absPath] {
		processedFiles[absPath] = true
		*collectedPaths = append(*collectedPaths, filePath)
	}
	return nil
}

// collectFilesFromFS collects all grid files of an fs.FS
func (fp *fileProcessor) collectFilesFromFS(filesystem fs.FS) ([]string, error) {
	if filesystem == nil {
		return nil, errors.New("FS cannot be nil")
	}

	var matches []string
	err := fs.WalkDir(filesystem, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && model.IsSupportedFile(path) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk filesystem: %w", err)
	}
	if len(matches) == 0 {
		return nil, errors.New("no supported files found in filesystem")
	}

	return fp.deduplicateCompressedFiles(matches), nil
}

// deduplicateCompressedFiles drops compressed files whose uncompressed
// version is present in the same directory. Order is kept.
func (fp *fileProcessor) deduplicateCompressedFiles(files []string) []string {
	plain := make(map[string]bool)
	for _, file := range files {
		if model.DetectCompression(file) == model.CompressionNone {
			plain[file] = true
		}
	}

	result := make([]string, 0, len(files))
	seen := make(map[string]bool)
	for _, file := range files {
		if model.DetectCompression(file) != model.CompressionNone {
			base := model.RemoveCompressionExtension(file)
			if plain[base] || seen[base] {
				continue
			}
			seen[base] = true
		}
		result = append(result, file)
	}
	return result
}

// sortedGridNames returns the grid names of paths in path order, for logs
func sortedGridNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = model.GridNameFromPath(p)
	}
	sort.Strings(names)
	return names
}
