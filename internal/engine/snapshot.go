package engine

import (
	"container/list"
	"sync"

	"github.com/foldline-works/foldline/internal/core/domain"
)

// snapshotCache is a thread-safe LRU of (state, version) pairs keyed by
// stream. A snapshot is only ever a starting point: loads replay the tail
// past the cached version, and the append guard catches anything staler
// than that, so eviction and invalidation affect cost, never correctness.
type snapshotCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type snapshotEntry struct {
	key     string
	state   domain.State
	version int64
}

func newSnapshotCache(capacity int) *snapshotCache {
	return &snapshotCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the cached state and version for key. State implementations
// use value semantics, so the caller can fold on the result without
// touching the cached copy.
func (c *snapshotCache) get(key string) (domain.State, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	c.order.MoveToFront(elem)
	entry := elem.Value.(*snapshotEntry)
	return entry.state, entry.version, true
}

// put stores the snapshot for key, evicting the least recently used entry
// when full.
func (c *snapshotCache) put(key string, state domain.State, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*snapshotEntry)
		entry.state = state
		entry.version = version
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*snapshotEntry)
			delete(c.entries, entry.key)
			c.order.Remove(oldest)
		}
	}

	elem := c.order.PushFront(&snapshotEntry{key: key, state: state, version: version})
	c.entries[key] = elem
}

// invalidate drops the snapshot for key, forcing the next load to replay
// from scratch.
func (c *snapshotCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.order.Remove(elem)
}

func (c *snapshotCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
