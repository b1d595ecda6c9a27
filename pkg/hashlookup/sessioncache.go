package hashlookup

import (
	"context"
	"sync"
)

// cacheEntry holds a lookup result, including negative entries (Found
// == false) so repeated misses on the same path don't re-query the
// backend within one scan session.
type cacheEntry struct {
	value StoredHash
	found bool
}

// SessionCache wraps a Store with a map[path]→Option<StoredHash> cache
// scoped to one scan session. It is never persisted and never shared
// across daemon restarts.
//
// Reference: spec.md §4.3 ("A session cache wraps the store")
type SessionCache struct {
	store *Store

	mu      sync.Mutex
	entries map[string]cacheEntry
	hits    int64
	misses  int64
}

// NewSessionCache wraps store in a fresh, empty SessionCache.
func NewSessionCache(store *Store) *SessionCache {
	return &SessionCache{store: store, entries: make(map[string]cacheEntry)}
}

// LookupFileHash consults the cache before the backing Store, caching
// both positive and negative results.
func (c *SessionCache) LookupFileHash(ctx context.Context, path string) (StoredHash, bool, error) {
	c.mu.Lock()
	if entry, ok := c.entries[path]; ok {
		c.hits++
		c.mu.Unlock()
		return entry.value, entry.found, nil
	}
	c.misses++
	c.mu.Unlock()

	sh, found, err := c.store.LookupFileHash(ctx, path)
	if err != nil {
		return StoredHash{}, false, err
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{value: sh, found: found}
	c.mu.Unlock()

	return sh, found, nil
}

// LookupFileHashesBatch fills from cache where possible and only queries
// the backend for the paths not yet cached, then populates the cache
// with the fresh results.
func (c *SessionCache) LookupFileHashesBatch(ctx context.Context, paths []string, cfg BatchLookupConfig) (BatchResult, error) {
	result := BatchResult{Found: make(map[string]StoredHash), TotalQueried: len(paths)}

	var uncached []string
	c.mu.Lock()
	for _, path := range paths {
		if entry, ok := c.entries[path]; ok {
			c.hits++
			if entry.found {
				result.Found[path] = entry.value
			} else {
				result.Missing = append(result.Missing, path)
			}
			continue
		}
		c.misses++
		uncached = append(uncached, path)
	}
	c.mu.Unlock()

	if len(uncached) == 0 {
		return result, nil
	}

	fresh, err := c.store.LookupFileHashesBatch(ctx, uncached, cfg)
	if err != nil {
		return BatchResult{}, err
	}
	result.RoundTrips = fresh.RoundTrips

	c.mu.Lock()
	for path, sh := range fresh.Found {
		c.entries[path] = cacheEntry{value: sh, found: true}
		result.Found[path] = sh
	}
	for _, path := range fresh.Missing {
		c.entries[path] = cacheEntry{found: false}
		result.Missing = append(result.Missing, path)
	}
	c.mu.Unlock()

	return result, nil
}

// StoreHashes delegates to the backing store and invalidates the
// touched keys, per spec.md §4.3's cache-invalidation policy.
func (c *SessionCache) StoreHashes(ctx context.Context, infos []FileHashInfo) error {
	if err := c.store.StoreHashes(ctx, infos); err != nil {
		return err
	}
	c.mu.Lock()
	for _, info := range infos {
		delete(c.entries, info.RelativePath)
	}
	c.mu.Unlock()
	return nil
}

// RemoveHashes delegates to the backing store and invalidates the
// touched keys.
func (c *SessionCache) RemoveHashes(ctx context.Context, paths []string) error {
	if err := c.store.RemoveHashes(ctx, paths); err != nil {
		return err
	}
	c.mu.Lock()
	for _, path := range paths {
		delete(c.entries, path)
	}
	c.mu.Unlock()
	return nil
}

// Stats reports cumulative hit/miss counters for this session.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns the cache's current hit/miss counters.
func (c *SessionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}
