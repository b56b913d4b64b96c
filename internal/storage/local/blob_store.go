// Package local writes blobs beneath a directory on an afero filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/JakeFAU/collectord/internal/storage"
)

// Config captures the base directory for blobs.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes objects as files and returns file:// URIs.
type BlobStore struct {
	fs      afero.Fs
	baseDir string
}

// New validates that BaseDir exists (creating it if needed) and is
// writable.
func New(fs afero.Fs, cfg Config) (*BlobStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	base := strings.TrimSpace(cfg.BaseDir)
	if base == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := fs.Stat(base)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := fs.MkdirAll(base, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", base)
	}
	probe := filepath.Join(base, ".writable_test")
	if err := afero.WriteFile(fs, probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := fs.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}
	return &BlobStore{fs: fs, baseDir: filepath.Clean(base)}, nil
}

// PutObject writes data atomically via a temp file and rename.
func (s *BlobStore) PutObject(_ context.Context, objectPath, _ string, data []byte) (string, error) {
	p, err := storage.CleanPath(objectPath)
	if err != nil {
		return "", fmt.Errorf("put %q: %w", objectPath, err)
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(p))
	dir := filepath.Dir(full)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := s.fs.Rename(tmpName, full); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return "file://" + filepath.ToSlash(full), nil
}
