// Package local implements a cache backend on a filesystem directory, so
// downloads survive restarts.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/hash/sha256"
)

const tempPrefix = ".tmp-"

// Config captures the parameters for the directory-backed cache.
type Config struct {
	// Dir is the root directory that holds one file per entry.
	Dir string `mapstructure:"dir"`
}

// Cache stores each entry as an envelope file named after the sha256 of its
// key. Writes go to a temp file in the same directory and are renamed into
// place, so readers see either the old or the new entry.
type Cache struct {
	// mu orders commits against removal of stale entries.
	mu       sync.Mutex
	fs       afero.Fs
	dir      string
	clock    collector.Clock
	logger   *zap.Logger
	counters *cache.Counters
}

// New creates the cache directory if needed and verifies it is writable.
func New(fs afero.Fs, cfg Config, clock collector.Clock, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := fs.Stat(cfg.Dir)
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		if mkErr := fs.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %q is not a directory", cfg.Dir)
	}

	probe := filepath.Join(cfg.Dir, tempPrefix+"writable")
	if err := afero.WriteFile(fs, probe, []byte("ok"), 0o600); err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	if err := fs.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Cache{
		fs:       fs,
		dir:      cfg.Dir,
		clock:    clock,
		logger:   logger,
		counters: cache.NewCounters("local"),
	}, nil
}

func (c *Cache) path(key string) (dir, file string) {
	name := sha256.Key(key)
	dir = filepath.Join(c.dir, name[:2])
	return dir, filepath.Join(dir, name+".json")
}

// Get reads and validates the entry for key. Expired or corrupt files are
// removed and reported as misses.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	_, file := c.path(key)
	data, err := afero.ReadFile(c.fs, file)
	if errors.Is(err, iofs.ErrNotExist) {
		c.counters.Miss()
		return nil, cache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	entry, err := cache.Decode(key, data)
	if err != nil {
		c.counters.Corrupt()
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		c.removeStale(file, data)
		return nil, cache.ErrMiss
	}
	if entry.Expired(c.clock.Now()) {
		c.counters.Miss()
		c.removeStale(file, data)
		return nil, cache.ErrMiss
	}
	c.counters.Hit()
	return entry.Value, nil
}

// Put writes the entry atomically.
func (c *Cache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry, err := cache.NewEntry(key, value, c.clock.Now(), ttl)
	if err != nil {
		return err
	}
	data, err := cache.Encode(entry)
	if err != nil {
		return err
	}
	dir, file := c.path(key)
	if err := c.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}
	tmp, err := afero.TempFile(c.fs, dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		c.remove(tmpName)
		return fmt.Errorf("write temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		c.remove(tmpName)
		return fmt.Errorf("close temp entry: %w", err)
	}
	c.mu.Lock()
	err = c.fs.Rename(tmpName, file)
	c.mu.Unlock()
	if err != nil {
		c.remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry file for key.
func (c *Cache) Invalidate(_ context.Context, key string) error {
	_, file := c.path(key)
	if err := c.fs.Remove(file); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("remove cache entry: %w", err)
	}
	return nil
}

// Clear removes and recreates the cache directory.
func (c *Cache) Clear(context.Context) error {
	if err := c.fs.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("clear cache directory: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}
	return nil
}

// Stats walks the directory for entry count and size.
func (c *Cache) Stats(context.Context) (cache.Stats, error) {
	stats := c.counters.Snapshot()
	err := afero.Walk(c.fs, c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		stats.Entries++
		stats.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return cache.Stats{}, fmt.Errorf("walk cache directory: %w", err)
	}
	return stats, nil
}

// removeStale deletes file only if it still holds seen. A Put that committed
// after seen was read keeps its entry.
func (c *Cache) removeStale(file string, seen []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := afero.ReadFile(c.fs, file)
	if err != nil || !bytes.Equal(current, seen) {
		return
	}
	c.remove(file)
}

func (c *Cache) remove(file string) {
	if err := c.fs.Remove(file); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		c.logger.Warn("remove cache file failed", zap.String("file", file), zap.Error(err))
	}
}
