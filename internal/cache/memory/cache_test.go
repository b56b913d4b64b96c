package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/cache"
	"github.com/JakeFAU/collectord/internal/clock/manual"
)

func TestCachePutGetExpire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(clk)

	require.NoError(t, c.Put(ctx, "k", []byte("v1"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)

	require.NoError(t, c.Put(ctx, "k", []byte("v2"), time.Minute))
	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	clk.Advance(time.Minute + time.Second)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, cache.ErrMiss)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Entries, "expired entry should be evicted on read")
	require.Equal(t, int64(2), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestCachePutResetsExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Unix(1700000000, 0).UTC())
	c := New(clk)

	require.NoError(t, c.Put(ctx, "k", []byte("a"), 10*time.Second))
	clk.Advance(8 * time.Second)
	require.NoError(t, c.Put(ctx, "k", []byte("b"), 10*time.Second))
	clk.Advance(8 * time.Second)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), got)
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(nil)
	value := []byte("original")
	require.NoError(t, c.Put(ctx, "k", value, time.Minute))
	value[0] = 'X'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	got[1] = 'Y'

	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestCacheInvalidateAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(nil)
	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Put(ctx, "b", []byte("22"), time.Minute))

	require.NoError(t, c.Invalidate(ctx, "a"))
	require.NoError(t, c.Invalidate(ctx, "missing"))
	_, err := c.Get(ctx, "a")
	require.ErrorIs(t, err, cache.ErrMiss)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(2), stats.Bytes)

	require.NoError(t, c.Clear(ctx))
	_, err = c.Get(ctx, "b")
	require.ErrorIs(t, err, cache.ErrMiss)
}

func TestCacheRejectsNonPositiveTTL(t *testing.T) {
	t.Parallel()

	c := New(nil)
	require.ErrorIs(t, c.Put(context.Background(), "k", []byte("v"), 0), cache.ErrInvalidTTL)
}

func TestCacheConcurrentWritersNeverTear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New(nil)
	values := [][]byte{[]byte("aaaaaaaaaaaaaaaa"), []byte("bbbbbbbbbbbbbbbb")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(v []byte) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.NoError(t, c.Put(ctx, "shared", v, time.Minute))
			}
		}(values[i%2])
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				got, err := c.Get(ctx, "shared")
				if err != nil {
					continue
				}
				s := string(got)
				assert.True(t, s == string(values[0]) || s == string(values[1]), "torn read %q", s)
			}
			assert.NoError(t, c.Put(ctx, fmt.Sprintf("own-%d", n), []byte("x"), time.Minute))
		}(i)
	}
	wg.Wait()
}
