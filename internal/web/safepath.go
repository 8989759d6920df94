package web

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrEmptyPath = errors.New("empty path")

// SafePath resolves userPath against base and rejects anything that lands
// outside it. Returns the cleaned absolute path.
func SafePath(base, userPath string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		return "", ErrEmptyPath
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	var resolved string
	if filepath.IsAbs(userPath) {
		resolved = filepath.Clean(userPath)
	} else {
		resolved = filepath.Clean(filepath.Join(absBase, userPath))
	}

	if !strings.HasPrefix(resolved, absBase+string(filepath.Separator)) && resolved != absBase {
		return "", fmt.Errorf("path %q escapes base directory %q", userPath, absBase)
	}

	return resolved, nil
}

// SafeFile is SafePath plus a check that the target is an existing regular
// file. Symlinks are followed and the destination must also stay under base.
func SafeFile(base, userPath string) (string, error) {
	resolved, err := SafePath(base, userPath)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", userPath, err)
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}
	if _, err := SafePath(realBase, real); err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%q is not a regular file", userPath)
	}
	return real, nil
}
