package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemSource implements FileSource for uploads staged on local disk
type FilesystemSource struct {
	baseDir string
}

// NewFilesystemSource creates a file source rooted at baseDir
func NewFilesystemSource(baseDir string) (*FilesystemSource, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &FilesystemSource{
		baseDir: abs,
	}, nil
}

// resolve maps a reference to a path under the base directory. Absolute
// references are accepted when they already point inside it.
func (fs *FilesystemSource) resolve(ref string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(fs.baseDir, ref)
	}
	path = filepath.Clean(path)

	// Security: prevent directory traversal
	if path != fs.baseDir && !strings.HasPrefix(path, fs.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected: %s", ErrInvalidReference, ref)
	}
	return path, nil
}

// Open returns a reader for the file at the given reference
func (fs *FilesystemSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := fs.resolve(ref)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Remove deletes the file; a file that is already gone is not an error
func (fs *FilesystemSource) Remove(ctx context.Context, ref string) error {
	path, err := fs.resolve(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}
