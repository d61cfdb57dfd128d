// Package local stores snapshots and batch result documents on the local
// filesystem, for development and single-node runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPath reports an empty object path or one that escapes BaseDir.
var ErrInvalidPath = errors.New("invalid object path")

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is created when missing and must be writable.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects under a base directory. Objects become visible
// only once fully written.
type BlobStore struct {
	baseDir string
}

// New prepares BaseDir and checks that it accepts writes.
func New(cfg Config) (*BlobStore, error) {
	base := strings.TrimSpace(cfg.BaseDir)
	if base == "" {
		return nil, errors.New("local blob store: base directory is required")
	}
	base = filepath.Clean(base)

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(base, 0o750); err != nil {
			return nil, fmt.Errorf("local blob store: create %s: %w", base, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local blob store: stat %s: %w", base, err)
	case !info.IsDir():
		return nil, fmt.Errorf("local blob store: %s is not a directory", base)
	}

	check, err := os.CreateTemp(base, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("local blob store: %s is not writable: %w", base, err)
	}
	_ = check.Close()
	if err := os.Remove(check.Name()); err != nil {
		return nil, fmt.Errorf("local blob store: remove write check: %w", err)
	}
	return &BlobStore{baseDir: base}, nil
}

// PutObject streams data to path and returns its file:// URI. The content
// type is not recorded on disk.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("commit object %s: %w", path, err)
	}
	return "file://" + fullPath, nil
}

// ReadObject returns the bytes stored at path.
func (s *BlobStore) ReadObject(path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- fullPath is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	fullPath := filepath.Join(s.baseDir, path)
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the base directory", ErrInvalidPath, path)
	}
	return fullPath, nil
}
