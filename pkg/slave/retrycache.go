package slave

import "container/list"

const (
	retryCacheMaxEntries = 100
	retryCacheMaxTouches = 10
)

// RetryCache is the anti-affinity cache from spec.md §4.4.1: an
// insertion-ordered map capped at 100 entries, with each entry allowed at
// most 10 touches before it is evicted and the task allowed to run locally
// again. Go's container/list plus a lookup map is the idiomatic shape for
// this (the original used Python's OrderedDict).
type RetryCache struct {
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
}

type retryCacheEntry struct {
	retryID string
	touches int
}

// NewRetryCache returns an empty anti-affinity cache.
func NewRetryCache() *RetryCache {
	return &RetryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get reports whether retryID is present, incrementing its touch count. If
// the increment pushes the count past the cap, the entry is evicted and Get
// reports absent — the dual eviction rule that prevents livelock (spec.md
// §4.4.1): a task that keeps landing back on the same slave eventually runs
// there anyway.
func (c *RetryCache) Get(retryID string) bool {
	el, ok := c.entries[retryID]
	if !ok {
		return false
	}
	e := el.Value.(*retryCacheEntry)
	e.touches++
	if e.touches > retryCacheMaxTouches {
		c.order.Remove(el)
		delete(c.entries, retryID)
		return false
	}
	return true
}

// Put records that retryID was just retried away from this slave, evicting
// the oldest entry first if the cache is at capacity.
func (c *RetryCache) Put(retryID string) {
	if el, ok := c.entries[retryID]; ok {
		el.Value.(*retryCacheEntry).touches = 0
		return
	}
	if c.order.Len() >= retryCacheMaxEntries {
		oldest := c.order.Front()
		if oldest != nil {
			delete(c.entries, oldest.Value.(*retryCacheEntry).retryID)
			c.order.Remove(oldest)
		}
	}
	el := c.order.PushBack(&retryCacheEntry{retryID: retryID})
	c.entries[retryID] = el
}
