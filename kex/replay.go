package kex

import (
	"container/list"
	"sync"
)

// replayCache is a fixed-capacity LRU set of cookie-echo digests, guarding
// the stateless responder against an Initiate message being replayed.
// Modeled as a plain container/list LRU, the same shape used for bounded
// caches elsewhere in this module.
type replayCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[[32]byte]*list.Element
}

func newReplayCache(capacity int) *replayCache {
	return &replayCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[[32]byte]*list.Element),
	}
}

// seen records digest if new, returning true if it was already present
// (i.e. this is a replay and the Initiate must be dropped).
func (c *replayCache) seen(digest [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[digest]; ok {
		c.ll.MoveToFront(el)
		return true
	}

	el := c.ll.PushFront(digest)
	c.index[digest] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.([32]byte))
		}
	}
	return false
}
