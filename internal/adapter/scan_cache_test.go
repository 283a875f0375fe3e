package adapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

func newTestCache(t *testing.T) *BadgerScanCache {
	t.Helper()

	cache := NewInMemoryScanCache()
	require.True(t, cache.Available())

	t.Cleanup(func() {
		_ = cache.Close()
	})

	return cache
}

func sampleRecord(text string) m.AnalysisRecord {
	return m.AnalysisRecord{
		Analysis: text,
		Model:    "test-model",
		Findings: []m.Finding{{
			Severity:    m.SeverityHigh,
			Origin:      m.OriginRemoteAnalysis,
			Location:    m.Location{Path: "src/lib.rs", Line: 12},
			Description: "spawns a shell",
		}},
	}
}

func TestScanCache_StoreAndLookup(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := m.CacheKey{Identity: "crates:serde", Version: "1.0.0", ContentHash: "abc"}

	_, ok := cache.Lookup(ctx, key)
	assert.False(t, ok)

	id := cache.Store(ctx, key, sampleRecord("looks fine"))
	require.NotEmpty(t, id)

	entry, ok := cache.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, "looks fine", entry.Analysis)
	assert.Equal(t, "test-model", entry.Model)
	require.Len(t, entry.Findings, 1)
	assert.Equal(t, 12, entry.Findings[0].Location.Line)
	assert.Equal(t, key, entry.Key())
}

func TestScanCache_StoreIsInsertIfAbsent(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := m.CacheKey{Identity: "crates:tokio", Version: "1.2.3", ContentHash: "h1"}

	first := cache.Store(ctx, key, sampleRecord("first"))
	second := cache.Store(ctx, key, sampleRecord("second"))

	assert.Equal(t, first, second)

	entry, ok := cache.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "first", entry.Analysis)
}

func TestScanCache_ConcurrentStoresAgreeOnOneID(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	key := m.CacheKey{Identity: "crates:rand", Version: "0.8.5", ContentHash: "same"}

	const writers = 16

	ids := make([]string, writers)

	var wg sync.WaitGroup

	for i := range writers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ids[i] = cache.Store(ctx, key, sampleRecord("concurrent"))
		}(i)
	}

	wg.Wait()

	entry, ok := cache.Lookup(ctx, key)
	require.True(t, ok)

	for _, id := range ids {
		assert.Equal(t, entry.ID, id)
	}
}

func TestScanCache_DistinctHashesDoNotCollide(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	a := m.CacheKey{Identity: "src/main.rs", ContentHash: "aaaa"}
	b := m.CacheKey{Identity: "src/main.rs", ContentHash: "aaab"}

	idA := cache.Store(ctx, a, sampleRecord("version a"))
	idB := cache.Store(ctx, b, sampleRecord("version b"))

	assert.NotEqual(t, idA, idB)

	entryA, ok := cache.Lookup(ctx, a)
	require.True(t, ok)
	assert.Equal(t, "version a", entryA.Analysis)

	entryB, ok := cache.Lookup(ctx, b)
	require.True(t, ok)
	assert.Equal(t, "version b", entryB.Analysis)

	_, ok = cache.Lookup(ctx, m.CacheKey{Identity: "src/main.rs", ContentHash: "aaac"})
	assert.False(t, ok)
}

func TestScanCache_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()
	key := m.CacheKey{Identity: "go:golang.org/x/mod", Version: "v0.31.0", ContentHash: "h1:xyz"}

	cache := OpenScanCache(m.CacheSettings{Enabled: true, Path: dir})
	require.True(t, cache.Available())

	id := cache.Store(ctx, key, sampleRecord("persisted"))
	_, ok := cache.Lookup(ctx, key)
	require.True(t, ok)
	require.NoError(t, cache.Close())

	reopened := OpenScanCache(m.CacheSettings{Enabled: true, Path: dir})
	require.True(t, reopened.Available())

	defer func() {
		_ = reopened.Close()
	}()

	entry, ok := reopened.Lookup(ctx, key)
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)

	stats, err := reopened.Stats(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, stats.TopIdentities)
	assert.Equal(t, "go:golang.org/x/mod", stats.TopIdentities[0].Identity)
	assert.Equal(t, uint64(2), stats.TopIdentities[0].Hits)
}

func TestScanCache_Evict(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	old := m.CacheKey{Identity: "old", ContentHash: "1"}
	cache.Store(ctx, old, sampleRecord("old"))

	cache.now = func() time.Time { return base.Add(100 * 24 * time.Hour) }

	fresh := m.CacheKey{Identity: "fresh", ContentHash: "2"}
	cache.Store(ctx, fresh, sampleRecord("fresh"))

	removed, err := cache.Evict(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := cache.Lookup(ctx, old)
	assert.False(t, ok)

	_, ok = cache.Lookup(ctx, fresh)
	assert.True(t, ok)
}

func TestScanCache_Clear(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	for _, hash := range []string{"a", "b", "c"} {
		cache.Store(ctx, m.CacheKey{Identity: "pkg", ContentHash: hash}, sampleRecord(hash))
	}

	require.NoError(t, cache.RecordUsage(ctx, m.UsageRecord{PackagesScanned: 3}))

	removed, err := cache.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	stats, err := cache.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Zero(t, stats.Sessions)
}

func TestScanCache_Export(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	cache.Store(ctx, m.CacheKey{Identity: "crates:libc", Version: "0.2.150", ContentHash: "x"}, sampleRecord("ffi"))

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "export.json")

		n, err := cache.Export(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var entries []map[string]any
		require.NoError(t, json.Unmarshal(data, &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "crates:libc", entries[0]["package_name"])
		assert.Equal(t, "0.2.150", entries[0]["package_version"])
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "export.yaml")

		n, err := cache.Export(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var entries []map[string]any
		require.NoError(t, yaml.Unmarshal(data, &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, "ffi", entries[0]["analysis"])
	})
}

func TestScanCache_UsageAndStats(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, cache.RecordUsage(ctx, m.UsageRecord{Timestamp: base, PackagesScanned: 10, CacheHits: 4, NewAnalyses: 6}))
	require.NoError(t, cache.RecordUsage(ctx, m.UsageRecord{Timestamp: base.Add(time.Hour), PackagesScanned: 10, CacheHits: 10}))

	usage, err := cache.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.True(t, usage[0].Timestamp.Before(usage[1].Timestamp))

	cache.now = func() time.Time { return base }
	cache.Store(ctx, m.CacheKey{Identity: "a", ContentHash: "1"}, sampleRecord("a"))

	cache.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	cache.Store(ctx, m.CacheKey{Identity: "b", ContentHash: "2"}, sampleRecord("b"))

	for range 3 {
		cache.Lookup(ctx, m.CacheKey{Identity: "b", ContentHash: "2"})
	}

	cache.Lookup(ctx, m.CacheKey{Identity: "a", ContentHash: "1"})

	stats, err := cache.Stats(ctx, 7*24*time.Hour)
	require.NoError(t, err)

	assert.True(t, stats.Available)
	assert.Equal(t, 2, stats.TotalEntries)
	assert.Equal(t, 1, stats.RecentEntries)
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 14, stats.TotalCacheHits)
	assert.Equal(t, 6, stats.TotalNewAnalyses)
	require.Len(t, stats.TopIdentities, 2)
	assert.Equal(t, m.IdentityHits{Identity: "b", Hits: 3}, stats.TopIdentities[0])
	assert.Equal(t, m.IdentityHits{Identity: "a", Hits: 1}, stats.TopIdentities[1])
}

func TestScanCache_Degraded(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		cache := OpenScanCache(m.CacheSettings{Enabled: false})
		defer func() {
			_ = cache.Close()
		}()

		assertPassThrough(t, cache)
	})

	t.Run("unopenable path", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		cache := OpenScanCache(m.CacheSettings{Enabled: true, Path: filepath.Join(blocker, "cache")})
		defer func() {
			_ = cache.Close()
		}()

		assertPassThrough(t, cache)
	})
}

func assertPassThrough(t *testing.T, cache *BadgerScanCache) {
	t.Helper()

	ctx := context.Background()
	key := m.CacheKey{Identity: "x", ContentHash: "y"}

	assert.False(t, cache.Available())
	assert.Empty(t, cache.Store(ctx, key, sampleRecord("ignored")))

	_, ok := cache.Lookup(ctx, key)
	assert.False(t, ok)

	removed, err := cache.Evict(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	stats, err := cache.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.False(t, stats.Available)

	assert.NoError(t, cache.RecordUsage(ctx, m.UsageRecord{}))
}
