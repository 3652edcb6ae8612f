// Package pathspec turns the user supplied source path into the source and
// destination arguments handed to rsync.
package pathspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidSourcePath is returned when the source is neither a regular file
// nor a directory.
var ErrInvalidSourcePath = errors.New("source path is not a file or directory")

// Spec holds the resolved rsync arguments.
type Spec struct {
	Source string // passed to rsync as the source operand
	Dest   string // path on the destination host
	IsDir  bool
}

// Resolve normalises raw into rsync source and destination paths:
//
//	/data/*   -> /data/*   into /data/   (contents of an existing directory)
//	/data/    -> /data     into /data/   (directory into the same place)
//	/data     -> /data     into /        (directory into its parent)
//	/etc/hosts -> /etc/hosts into /etc/hosts
func Resolve(raw string) (*Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidSourcePath)
	}

	// filepath.Abs cleans the path, so the trailing markers are read first
	trailingGlob := strings.HasSuffix(raw, "/*")
	trailingSlash := !trailingGlob && strings.HasSuffix(raw, "/") && raw != "/"

	abs, err := filepath.Abs(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", raw, err)
	}

	switch {
	case trailingGlob:
		dir := filepath.Dir(abs)
		if err := requireDir(dir); err != nil {
			return nil, err
		}
		return &Spec{Source: withSlash(dir) + "*", Dest: withSlash(dir), IsDir: true}, nil

	case trailingSlash:
		if err := requireDir(abs); err != nil {
			return nil, err
		}
		return &Spec{Source: abs, Dest: withSlash(abs), IsDir: true}, nil
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourcePath, abs)
	}
	switch {
	case fi.IsDir():
		return &Spec{Source: abs, Dest: withSlash(filepath.Dir(abs)), IsDir: true}, nil
	case fi.Mode().IsRegular():
		return &Spec{Source: abs, Dest: abs}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSourcePath, abs)
	}
}

func requireDir(p string) error {
	fi, err := os.Stat(p)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidSourcePath, p)
	}
	return nil
}

func withSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
