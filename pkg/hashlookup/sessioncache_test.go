package hashlookup_test

import (
	"context"
	"testing"

	"crucible/pkg/hashlookup"
	"crucible/pkg/storage"
	"crucible/pkg/storage/memorybackend"
)

func newCache(t *testing.T) (*hashlookup.SessionCache, *hashlookup.Store) {
	t.Helper()
	b, err := memorybackend.New(storage.MemoryConfig{})
	if err != nil {
		t.Fatalf("New backend: %v", err)
	}
	store := hashlookup.New(b)
	return hashlookup.NewSessionCache(store), store
}

func TestSessionCacheHitsAfterFirstMiss(t *testing.T) {
	ctx := context.Background()
	cache, store := newCache(t)

	if err := store.StoreHashes(ctx, []hashlookup.FileHashInfo{
		{RelativePath: "a.md", ContentHash: hashOf("a")},
	}); err != nil {
		t.Fatalf("StoreHashes: %v", err)
	}

	if _, ok, err := cache.LookupFileHash(ctx, "a.md"); err != nil || !ok {
		t.Fatalf("first lookup: ok=%v err=%v", ok, err)
	}
	if _, ok, err := cache.LookupFileHash(ctx, "a.md"); err != nil || !ok {
		t.Fatalf("second lookup: ok=%v err=%v", ok, err)
	}

	stats := cache.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Fatalf("expected 1 miss and 1 hit, got %+v", stats)
	}
}

func TestSessionCacheCachesNegativeResults(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)

	if _, ok, err := cache.LookupFileHash(ctx, "missing.md"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}
	if _, ok, err := cache.LookupFileHash(ctx, "missing.md"); err != nil || ok {
		t.Fatalf("expected cached negative result, ok=%v err=%v", ok, err)
	}

	stats := cache.Stats()
	if stats.Hits != 1 {
		t.Fatalf("expected negative lookup to be served from cache on second call, got %+v", stats)
	}
}

func TestSessionCacheInvalidatesOnStoreHashes(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)

	if _, ok, _ := cache.LookupFileHash(ctx, "a.md"); ok {
		t.Fatalf("expected initial miss")
	}

	if err := cache.StoreHashes(ctx, []hashlookup.FileHashInfo{
		{RelativePath: "a.md", ContentHash: hashOf("a")},
	}); err != nil {
		t.Fatalf("StoreHashes: %v", err)
	}

	sh, ok, err := cache.LookupFileHash(ctx, "a.md")
	if err != nil || !ok {
		t.Fatalf("expected cache invalidation to surface the fresh write, ok=%v err=%v", ok, err)
	}
	if sh.ContentHash != hashOf("a") {
		t.Fatalf("unexpected hash after invalidation: %v", sh.ContentHash)
	}
}

func TestSessionCacheBatchUsesCacheForRepeatedPaths(t *testing.T) {
	ctx := context.Background()
	cache, store := newCache(t)

	if err := store.StoreHashes(ctx, []hashlookup.FileHashInfo{
		{RelativePath: "a.md", ContentHash: hashOf("a")},
		{RelativePath: "b.md", ContentHash: hashOf("b")},
	}); err != nil {
		t.Fatalf("StoreHashes: %v", err)
	}

	first, err := cache.LookupFileHashesBatch(ctx, []string{"a.md", "b.md"}, hashlookup.DefaultBatchLookupConfig())
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if len(first.Found) != 2 {
		t.Fatalf("expected both found on first batch, got %+v", first.Found)
	}

	second, err := cache.LookupFileHashesBatch(ctx, []string{"a.md", "b.md"}, hashlookup.DefaultBatchLookupConfig())
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if second.RoundTrips != 0 {
		t.Fatalf("expected second batch to be served entirely from cache (0 round trips), got %d", second.RoundTrips)
	}
}
