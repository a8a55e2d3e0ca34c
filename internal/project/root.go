package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MarkerFile identifies a PlatformIO project root
const MarkerFile = "platformio.ini"

// ErrNotFound is returned when no project root exists above the start directory
var ErrNotFound = errors.New("platformio.ini not found in any parent directory")

// FindRoot walks up the directory tree from start to find platformio.ini
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	// Walk up the directory tree looking for platformio.ini
	for {
		marker := filepath.Join(dir, MarkerFile)
		if info, err := os.Stat(marker); err == nil && !info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding platformio.ini
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Resolve returns the explicit project directory if set, otherwise the
// project root above the working directory, falling back to the working
// directory itself.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	root, err := FindRoot(wd)
	if errors.Is(err, ErrNotFound) {
		return wd, nil
	}
	return root, err
}
