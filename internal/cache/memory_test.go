package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/types"
)

type memoryFixture struct {
	cache *Memory
	clock time.Time
}

// newMemoryFixture pins the clock and pushes the janitor interval out of
// the test's way; sweeps are invoked directly.
func newMemoryFixture(t *testing.T, cfg Config) *memoryFixture {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}

	f := &memoryFixture{
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.cache = NewMemory(cfg, discardLogger())
	f.cache.now = func() time.Time { return f.clock }
	t.Cleanup(func() { f.cache.Close() })
	return f
}

func (f *memoryFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func testEntry(output string, tags ...string) *Entry {
	return &Entry{
		Response: &types.GenerateResponse{
			ID:       "resp-" + output,
			Output:   output,
			Provider: "apex",
			Model:    "swift",
		},
		Tags: tags,
	}
}

func TestMemoryHitAndMissCounters(t *testing.T) {
	f := newMemoryFixture(t, Config{})
	ctx := context.Background()

	_, ok := f.cache.Get(ctx, "cache:unknown")
	assert.False(t, ok)

	require.NoError(t, f.cache.Set(ctx, "cache:k1", testEntry("four"), time.Minute))

	got, ok := f.cache.Get(ctx, "cache:k1")
	require.True(t, ok)
	assert.Equal(t, "four", got.Response.Output)
	assert.Equal(t, f.clock, got.StoredAt)

	stats := f.cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestMemoryTTLExpiry(t *testing.T) {
	f := newMemoryFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:k1", testEntry("four"), time.Minute))

	f.advance(30 * time.Second)
	_, ok := f.cache.Get(ctx, "cache:k1")
	assert.True(t, ok)

	f.advance(31 * time.Second)
	_, ok = f.cache.Get(ctx, "cache:k1")
	assert.False(t, ok)

	stats := f.cache.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryDefaultTTLApplied(t *testing.T) {
	f := newMemoryFixture(t, Config{TTL: 2 * time.Minute})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:k1", testEntry("four"), 0))

	f.advance(90 * time.Second)
	_, ok := f.cache.Get(ctx, "cache:k1")
	assert.True(t, ok)

	f.advance(31 * time.Second)
	_, ok = f.cache.Get(ctx, "cache:k1")
	assert.False(t, ok)
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	f := newMemoryFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:a", testEntry("a", "provider:apex"), time.Minute))
	require.NoError(t, f.cache.Set(ctx, "cache:b", testEntry("b", "provider:apex"), time.Minute))
	require.NoError(t, f.cache.Set(ctx, "cache:c", testEntry("c", "provider:bolt"), time.Hour))

	f.advance(2 * time.Minute)
	f.cache.sweep()

	stats := f.cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(2), stats.Evictions)

	// Sweep also cleared the tag index for the removed entries.
	removed, err := f.cache.InvalidateTag(ctx, "provider:apex")
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, ok := f.cache.Get(ctx, "cache:c")
	assert.True(t, ok)
}

func TestMemoryInvalidateTag(t *testing.T) {
	f := newMemoryFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:a", testEntry("a", "provider:apex", "task:general_chat"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:b", testEntry("b", "provider:apex"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:c", testEntry("c", "provider:bolt"), time.Hour))

	removed, err := f.cache.InvalidateTag(ctx, "provider:apex")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := f.cache.Get(ctx, "cache:a")
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, "cache:b")
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, "cache:c")
	assert.True(t, ok)

	removed, err = f.cache.InvalidateTag(ctx, "provider:apex")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemoryInvalidatePattern(t *testing.T) {
	f := newMemoryFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:aaa", testEntry("a"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:bbb", testEntry("b"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "session:ccc", testEntry("c"), time.Hour))

	removed, err := f.cache.InvalidatePattern(ctx, "cache:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, f.cache.Stats().Entries)

	_, err = f.cache.InvalidatePattern(ctx, "[")
	assert.Error(t, err)
}

func TestMemoryMaxEntriesEvictsNextExpiring(t *testing.T) {
	f := newMemoryFixture(t, Config{MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:soon", testEntry("a"), time.Minute))
	require.NoError(t, f.cache.Set(ctx, "cache:late", testEntry("b"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:mid", testEntry("c"), 30*time.Minute))

	_, ok := f.cache.Get(ctx, "cache:soon")
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, "cache:late")
	assert.True(t, ok)
	_, ok = f.cache.Get(ctx, "cache:mid")
	assert.True(t, ok)

	stats := f.cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	f := newMemoryFixture(t, Config{MaxEntries: 2})
	ctx := context.Background()

	require.NoError(t, f.cache.Set(ctx, "cache:a", testEntry("a"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:b", testEntry("b"), time.Hour))
	require.NoError(t, f.cache.Set(ctx, "cache:a", testEntry("a2"), time.Hour))

	got, ok := f.cache.Get(ctx, "cache:a")
	require.True(t, ok)
	assert.Equal(t, "a2", got.Response.Output)
	assert.Zero(t, f.cache.Stats().Evictions)
}

func TestMemoryCloseIdempotent(t *testing.T) {
	f := newMemoryFixture(t, Config{})

	assert.NoError(t, f.cache.Close())
	assert.NoError(t, f.cache.Close())
}
