package query

import (
	"container/list"
	"sync"

	"github.com/domohist/domohist/internal/history/types"
)

// resultCache is an LRU of cold-scan results keyed by the query shape. Each
// entry remembers the cold store generation it was computed at; a stale
// generation is a miss, so appends and deletions invalidate everything
// without bookkeeping per segment.
type resultCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recent

	hits   int64
	misses int64
}

type cacheEntry struct {
	key        string
	generation int64
	events     []types.HistoricalEvent
}

func newResultCache(maxEntries int) *resultCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &resultCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (c *resultCache) get(key string, generation int64) ([]types.HistoricalEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if entry.generation != generation {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return entry.events, true
}

func (c *resultCache) put(key string, generation int64, events []types.HistoricalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.generation = generation
		entry.events = events
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{key: key, generation: generation, events: events})
	c.entries[key] = el

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
