package local_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/cache/local"
	"github.com/JakeFAU/collectord/internal/clock/manual"
	"github.com/JakeFAU/collectord/internal/hash/sha256"
)

func newCache(t *testing.T) (*local.Cache, afero.Fs, *manual.Clock) {
	t.Helper()
	fs := afero.NewMemMapFs()
	clk := manual.New(time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))
	c, err := local.New(fs, local.Config{Dir: "/var/cache/collectord"}, clk, zap.NewNop())
	require.NoError(t, err)
	return c, fs, clk
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("MissingDir", func(t *testing.T) {
		_, err := local.New(afero.NewMemMapFs(), local.Config{}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("PathIsFile", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/cache", []byte("x"), 0o600))
		_, err := local.New(fs, local.Config{Dir: "/cache"}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("ReadOnlyFs", func(t *testing.T) {
		base := afero.NewMemMapFs()
		require.NoError(t, base.MkdirAll("/cache", 0o750))
		_, err := local.New(afero.NewReadOnlyFs(base), local.Config{Dir: "/cache"}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("CreatesDir", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := local.New(fs, local.Config{Dir: "/new/cache"}, nil, nil)
		require.NoError(t, err)
		exists, err := afero.DirExists(fs, "/new/cache")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestCacheRoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _, clk := newCache(t)

	require.NoError(t, c.Put(ctx, "delhi_hc:https://example.com/a.pdf", []byte("%PDF"), time.Hour))
	got, err := c.Get(ctx, "delhi_hc:https://example.com/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), got)

	require.NoError(t, c.Put(ctx, "delhi_hc:https://example.com/a.pdf", []byte("%PDF-2"), time.Hour))
	got, err = c.Get(ctx, "delhi_hc:https://example.com/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-2"), got)

	clk.Advance(2 * time.Hour)
	_, err = c.Get(ctx, "delhi_hc:https://example.com/a.pdf")
	require.ErrorIs(t, err, cache.ErrMiss)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestCacheCorruptEntryIsMissAndRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, fs, _ := newCache(t)
	require.NoError(t, c.Put(ctx, "k", []byte("value"), time.Hour))

	name := sha256.Key("k")
	file := filepath.Join("/var/cache/collectord", name[:2], name+".json")
	require.NoError(t, afero.WriteFile(fs, file, []byte(`{"key":"k","val`), 0o600))

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, cache.ErrMiss)
	exists, err := afero.Exists(fs, file)
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Corrupt)
}

// putDuringRead commits a fresh entry right after the entry file is opened,
// so the reader holds the old bytes while a newer entry is on disk.
type putDuringRead struct {
	afero.Fs
	entry string
	once  sync.Once
	put   func()
}

func (p *putDuringRead) Open(name string) (afero.File, error) {
	f, err := p.Fs.Open(name)
	if err == nil && name == p.entry {
		p.once.Do(p.put)
	}
	return f, err
}

func TestCacheExpiredReadKeepsConcurrentPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	base := afero.NewMemMapFs()
	clk := manual.New(time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))
	name := sha256.Key("k")
	fs := &putDuringRead{Fs: base, entry: filepath.Join("/var/cache/collectord", name[:2], name+".json")}
	c, err := local.New(fs, local.Config{Dir: "/var/cache/collectord"}, clk, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "k", []byte("old"), time.Minute))
	clk.Advance(time.Hour)
	fs.put = func() { require.NoError(t, c.Put(ctx, "k", []byte("fresh"), time.Hour)) }

	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, cache.ErrMiss)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestCacheInvalidateClearStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, _, _ := newCache(t)
	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Put(ctx, "b", []byte("2"), time.Hour))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Positive(t, stats.Bytes)

	require.NoError(t, c.Invalidate(ctx, "a"))
	require.NoError(t, c.Invalidate(ctx, "a"))
	_, err = c.Get(ctx, "a")
	require.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, c.Clear(ctx))
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestCacheSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, fs, clk := newCache(t)
	require.NoError(t, c.Put(ctx, "persist", []byte("kept"), time.Hour))

	reopened, err := local.New(fs, local.Config{Dir: "/var/cache/collectord"}, clk, nil)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}
