package sqlguard

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashInputs folds a statement and its allowlist into a single xxhash key.
// The allowlist is hashed in sorted order so map iteration order cannot
// produce different keys for the same inputs.
func hashInputs(statement string, allowedOrderBy map[string]struct{}) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(statement)
	_, _ = h.Write([]byte{0})

	cols := make([]string, 0, len(allowedOrderBy))
	for col := range allowedOrderBy {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		_, _ = h.WriteString(col)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key    uint64
	result Result
	prev   *lruEntry
	next   *lruEntry
}

// resultCache is a bounded LRU cache for validation results. Validation is a
// deterministic function of its inputs, so caching cannot change a decision.
// Thread-safe with a mutex (both get and put mutate LRU order).
type resultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

func newResultCache(maxSize int) *resultCache {
	return &resultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *resultCache) get(key uint64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.result, true
	}
	return Result{}, false
}

func (c *resultCache) put(key uint64, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, result: result}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *resultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *resultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *resultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *resultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
