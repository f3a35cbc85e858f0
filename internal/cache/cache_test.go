package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen-quota/internal/clock"
)

func newTestCache(t *testing.T, size int) (*Cache[string], *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	c := New[string](Options{MaxSize: size, DefaultTTL: time.Minute, Clock: clk})
	t.Cleanup(c.Close)
	return c, clk
}

func TestCache_GetWithinAndAfterTTL(t *testing.T) {
	c, clk := newTestCache(t, 10)

	c.SetWithTTL("k", "v", 100*time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clk.Advance(150 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on read")
}

func TestCache_TTLBoundaryIsInclusive(t *testing.T) {
	c, clk := newTestCache(t, 10)

	c.SetWithTTL("k", "v", time.Second)
	clk.Advance(time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry is live while age equals ttl")

	clk.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCache_HasDoesNotBumpAccess(t *testing.T) {
	c, clk := newTestCache(t, 2)

	c.Set("a", "1")
	clk.Advance(time.Second)
	c.Set("b", "2")
	clk.Advance(time.Second)

	// Has must not refresh "a", so it stays the eviction victim.
	assert.True(t, c.Has("a"))
	c.Set("c", "3")

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))
}

func TestCache_HasExpired(t *testing.T) {
	c, clk := newTestCache(t, 2)
	c.SetWithTTL("a", "1", 10*time.Millisecond)
	clk.Advance(11 * time.Millisecond)
	assert.False(t, c.Has("a"))
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, clk := newTestCache(t, 3)

	c.Set("a", "1")
	clk.Advance(time.Millisecond)
	c.Set("b", "2")
	clk.Advance(time.Millisecond)
	c.Set("c", "3")
	clk.Advance(time.Millisecond)

	_, ok := c.Get("a")
	require.True(t, ok)
	clk.Advance(time.Millisecond)

	c.Set("d", "4")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Has("b"), "b was the least recently accessed")
	for _, k := range []string{"a", "c", "d"} {
		assert.True(t, c.Has(k), k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_EvictionTieBreaksOnInsertionOrder(t *testing.T) {
	c, _ := newTestCache(t, 3)

	// Same instant for every entry, so only insertion order decides.
	c.Set("x", "1")
	c.Set("y", "2")
	c.Set("z", "3")
	c.Set("w", "4")

	assert.False(t, c.Has("x"))
	assert.True(t, c.Has("y"))
	assert.True(t, c.Has("z"))
	assert.True(t, c.Has("w"))
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, 2)
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, 2, c.Len())
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "3", v)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCache_DeleteAndClear(t *testing.T) {
	c, _ := newTestCache(t, 10)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
	}

	c.Delete("k0")
	_, ok := c.Get("k0")
	assert.False(t, ok)

	c.Clear()
	for i := 1; i < 5; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCache_SweepRemovesOnlyExpired(t *testing.T) {
	c, clk := newTestCache(t, 10)
	c.SetWithTTL("short", "1", time.Second)
	c.SetWithTTL("long", "2", time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("long"))
}

func TestCache_BackgroundSweep(t *testing.T) {
	clk := clock.NewManual(time.Now())
	c := New[int](Options{MaxSize: 4, DefaultTTL: time.Second, SweepInterval: 5 * time.Millisecond, Clock: clk})
	defer c.Close()

	c.Set("a", 1)
	clk.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_StatsCountHitsAndMisses(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set("a", "1")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New[int](Options{SweepInterval: time.Millisecond})
	c.Close()
	c.Close()
}
