package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem creates and removes per-stream output directories. It touches
// nothing but the disk.
type Filesystem interface {
	// EnsureDirectory creates path and any missing parents.
	EnsureDirectory(path string) error
	// RemoveDirectoryTree deletes path recursively; a missing path is not an error.
	RemoveDirectoryTree(path string) error
}

// DirLayout is the Filesystem rooted at the HLS output base directory. It
// refuses to touch anything outside that base.
type DirLayout struct {
	base string
}

// NewDirLayout resolves base to an absolute path and creates it.
func NewDirLayout(base string) (*DirLayout, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("%w: output base directory is required", ErrIO)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrIO, base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrIO, abs, err)
	}
	return &DirLayout{base: abs}, nil
}

// Base returns the absolute output base directory.
func (l *DirLayout) Base() string {
	return l.base
}

// StreamDir returns the output directory for a stream id.
func (l *DirLayout) StreamDir(streamID string) string {
	return filepath.Join(l.base, streamID)
}

// EnsureDirectory implements Filesystem.EnsureDirectory.
func (l *DirLayout) EnsureDirectory(path string) error {
	if err := l.contained(path); err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrIO, path, err)
	}
	return nil
}

// RemoveDirectoryTree implements Filesystem.RemoveDirectoryTree.
func (l *DirLayout) RemoveDirectoryTree(path string) error {
	if err := l.contained(path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, path, err)
	}
	return nil
}

// contained rejects the base itself and anything that escapes it.
func (l *DirLayout) contained(path string) error {
	rel, err := filepath.Rel(l.base, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrIO, path, l.base)
	}
	return nil
}
