package gridexport

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidPath is returned for grid locations that are empty, malformed or
// point outside the grid directory
var ErrInvalidPath = errors.New("gridexport: invalid or dangerous path")

// systemDirs are never read as grid documents
var systemDirs = []string{"/etc/", "/proc/", "/sys/", "/dev/", "/boot/", "/root/"}

// resolveGridPath resolves the location of a grid document listed in a
// dataset. Relative locations must stay inside dir. Absolute locations are
// accepted unless they point into a system directory.
func resolveGridPath(dir, location string) (string, error) {
	if strings.TrimSpace(location) == "" || strings.ContainsRune(location, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, location)
	}
	if strings.HasPrefix(location, `\\`) {
		// UNC and device paths
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, location)
	}

	if filepath.IsAbs(location) {
		clean := strings.ToLower(filepath.ToSlash(filepath.Clean(location))) + "/"
		for _, sysDir := range systemDirs {
			if strings.HasPrefix(clean, sysDir) {
				return "", fmt.Errorf("%w: %s", ErrInvalidPath, location)
			}
		}
		return location, nil
	}

	if !filepath.IsLocal(location) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrInvalidPath, location, dir)
	}
	return filepath.Join(dir, location), nil
}
