package chain

import "container/list"

// boundedLRU is a fixed-capacity set used to dedupe (address, txId,
// outputIndex) keys, keyed alongside the highest confirmation count
// observed for that key so a rising confirmation count is never
// suppressed. None of the project's dependencies ship an LRU cache, so
// this is a small hand-rolled doubly-linked-list + map, matching the
// shape the standard library's own container/list docs recommend for
// this exact use.
type boundedLRU struct {
	capacity int
	ll *list.List
	index map[string]*list.Element
}

type lruEntry struct {
	key string
	confirmations int
}

func newBoundedLRU(capacity int) *boundedLRU {
	return &boundedLRU{
		capacity: capacity,
		ll: list.New(),
		index: make(map[string]*list.Element),
	}
}

// shouldEmit reports whether key should be forwarded: true the first time
// it's seen, and true again any time confirmations rises above the last
// recorded value for that key (mirroring DedupWindow.Allow's confirmation
// gate). It always records the new confirmation count, evicting the
// oldest entry once the cache is at capacity.
func (c *boundedLRU) shouldEmit(key string, confirmations int) bool {
	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*lruEntry)
		if confirmations <= entry.confirmations {
			return false
		}
		entry.confirmations = confirmations
		return true
	}

	el := c.ll.PushFront(&lruEntry{key: key, confirmations: confirmations})
	c.index[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*lruEntry).key)
		}
	}
	return true
}

