package coldstore

import (
	"container/list"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
)

// segmentIndex holds the expensive-to-derive part of a segment's index:
// the row count read from the parquet footer. The cheap fields live in
// segmentMeta, rebuilt from filenames alone.
type segmentIndex struct {
	rows int64
	size int64
}

// approxIndexBytes is the rough in-memory footprint of one cached index
// entry, used to turn index_cache_size_mb into an entry bound.
const approxIndexBytes = 256

// indexCache is an LRU of segment indices keyed by path. It bounds the
// memory spent keeping parquet footers warm; segment data is never cached.
type indexCache struct {
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recent

	hits   int64
	misses int64
}

type indexEntry struct {
	path  string
	index segmentIndex
}

func newIndexCache(sizeMB int) *indexCache {
	maxEntries := sizeMB * 1024 * 1024 / approxIndexBytes
	if maxEntries < 8 {
		maxEntries = 8
	}
	return &indexCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// get returns the cached index for a segment, loading it on miss.
// The caller holds the store lock.
func (c *indexCache) get(path string) (segmentIndex, error) {
	if el, ok := c.entries[path]; ok {
		c.order.MoveToFront(el)
		c.hits++
		return el.Value.(*indexEntry).index, nil
	}
	c.misses++

	idx, err := loadSegmentIndex(path)
	if err != nil {
		return segmentIndex{}, err
	}

	el := c.order.PushFront(&indexEntry{path: path, index: idx})
	c.entries[path] = el

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*indexEntry).path)
	}

	return idx, nil
}

// invalidate drops a segment's cached index (after deletion).
func (c *indexCache) invalidate(path string) {
	if el, ok := c.entries[path]; ok {
		c.order.Remove(el)
		delete(c.entries, path)
	}
}

// loadSegmentIndex reads the parquet footer for row count and stats the
// file for its on-disk size.
func loadSegmentIndex(path string) (segmentIndex, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return segmentIndex{}, fmt.Errorf("stat segment: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return segmentIndex{}, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return segmentIndex{}, fmt.Errorf("open parquet footer: %w", err)
	}

	return segmentIndex{
		rows: pf.NumRows(),
		size: stat.Size(),
	}, nil
}
