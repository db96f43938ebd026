package memory

import (
	"context"
	"sync"
	"time"
)

// DefaultFactsTTL is how long cached user facts stay fresh.
const DefaultFactsTTL = 24 * time.Hour

// FactsCache caches the user-facts search result so session startup does not
// pay a graph query on every run. Entries expire after a TTL and can be
// refreshed in the background before a session needs them.
type FactsCache struct {
	search func(ctx context.Context, query string, limit int) ([]Hit, error)
	ttl    time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]factsEntry
}

type factsEntry struct {
	hits    []Hit
	fetched time.Time
}

// NewFactsCache builds a cache over the given search function. A
// non-positive ttl uses DefaultFactsTTL.
func NewFactsCache(search func(ctx context.Context, query string, limit int) ([]Hit, error), ttl time.Duration) *FactsCache {
	if ttl <= 0 {
		ttl = DefaultFactsTTL
	}
	return &FactsCache{
		search:  search,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]factsEntry),
	}
}

// Get returns cached facts for the query, fetching on miss or expiry. A
// fetch failure with a stale entry present returns the stale entry rather
// than an error; facts are advisory.
func (c *FactsCache) Get(ctx context.Context, query string, limit int) ([]Hit, error) {
	c.mu.Lock()
	entry, ok := c.entries[query]
	fresh := ok && c.clock().Sub(entry.fetched) < c.ttl
	c.mu.Unlock()
	if fresh {
		return entry.hits, nil
	}

	hits, err := c.search(ctx, query, limit)
	if err != nil {
		if ok {
			return entry.hits, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.entries[query] = factsEntry{hits: hits, fetched: c.clock()}
	c.mu.Unlock()
	return hits, nil
}

// Prefetch warms the cache in the background. Errors are discarded; the next
// Get simply fetches synchronously.
func (c *FactsCache) Prefetch(ctx context.Context, query string, limit int) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, readTimeout)
		defer cancel()
		_, _ = c.Get(ctx, query, limit)
	}()
}

// Invalidate drops one cached query, or all entries when query is empty.
func (c *FactsCache) Invalidate(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if query == "" {
		c.entries = make(map[string]factsEntry)
		return
	}
	delete(c.entries, query)
}
