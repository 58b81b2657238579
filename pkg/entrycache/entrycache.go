// Package entrycache holds the Position -> CacheEntry mapping shared by
// the entry service's two reader loops.
//
// The original design kept two caches: an unbounded one fed by the IO
// loop and batch reads, and a small insertion-order FIFO fed by the
// intention loop's pre-fetch path. Both are really the same concern --
// "remember what's at this position so we don't re-read the log" -- so
// this package merges them into one Cache with a configurable eviction
// policy: cap <= 0 keeps everything, cap > 0 evicts the oldest entry on
// insert once the cache holds more than cap entries.
package entrycache

import (
	"container/list"
	"sync"

	"github.com/illinoisdata/cruzdb/pkg/types"
	"github.com/illinoisdata/cruzdb/pkg/wire"
	"github.com/zhangyunhao116/skipmap"
)

// Kind tags a CacheEntry's payload, mirroring wire.Kind but restricted
// to the two variants the cache actually stores.
type Kind uint8

const (
	KindIntention Kind = iota
	KindAfterImage
)

// Entry is an immutable, shared-by-reference cached log record. Once
// published into the Cache, it is never mutated: every caller that reads
// the same position gets back the identical pointer.
type Entry struct {
	Kind       Kind
	Intention  *wire.Intention
	AfterImage *wire.AfterImage
}

// Cache is safe for concurrent use by the IO loop, the intention loop,
// and any caller of a batch read helper.
type Cache struct {
	idx *skipmap.FuncMap[types.Position, Entry]

	// evict tracking is only touched when cap > 0.
	evictMu sync.Mutex
	order   *list.List
	elems   map[types.Position]*list.Element
	cap     int
}

// New returns a Cache. cap <= 0 means unbounded (used by the entry
// service's primary cache); cap > 0 bounds it to a FIFO of that size
// (used for the intention pre-fetch path).
func New(cap int) *Cache {
	c := &Cache{
		idx: skipmap.NewFunc[types.Position, Entry](func(a, b types.Position) bool {
			return a < b
		}),
		cap: cap,
	}
	if cap > 0 {
		c.order = list.New()
		c.elems = make(map[types.Position]*list.Element)
	}
	return c
}

// Insert publishes entry at pos if no entry is already there. It is
// idempotent: the first publisher for a position wins, and every caller
// -- including the one that lost the race -- gets back the entry that
// actually ended up cached.
func (c *Cache) Insert(pos types.Position, entry Entry) Entry {
	actual, loaded := c.idx.LoadOrStore(pos, entry)
	if !loaded && c.cap > 0 {
		c.trackInsert(pos)
	}
	return actual
}

// Get returns the cached entry at pos, if any.
func (c *Cache) Get(pos types.Position) (Entry, bool) {
	return c.idx.Load(pos)
}

func (c *Cache) trackInsert(pos types.Position) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	c.elems[pos] = c.order.PushBack(pos)
	for c.order.Len() > c.cap {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		oldestPos := oldest.Value.(types.Position)
		delete(c.elems, oldestPos)
		c.idx.Delete(oldestPos)
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return c.idx.Len()
}
