package store

import (
	"container/list"
	"strconv"

	"barstream/internal/model"
)

// barKey identifies a cached bar.
type barKey struct {
	Symbol    string
	Timeframe int64
	Index     int64
}

func (k barKey) subKey() string {
	return k.Symbol + ":" + strconv.FormatInt(k.Timeframe, 10)
}

type cacheEntry struct {
	key barKey
	bar model.Bar
}

// lruCache is a bounded map with least-recently-accessed eviction and a
// secondary latest-index map for O(1) latest-bar lookup. Not safe for
// concurrent use; TieredStore serializes access.
type lruCache struct {
	capacity int
	ll       *list.List // front = most recently used
	entries  map[barKey]*list.Element
	latest   map[string]int64 // subKey -> highest index seen

	onEvict func()
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		entries:  make(map[barKey]*list.Element, capacity),
		latest:   make(map[string]int64),
	}
}

func (c *lruCache) get(k barKey) (model.Bar, bool) {
	el, ok := c.entries[k]
	if !ok {
		return model.Bar{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).bar, true
}

func (c *lruCache) put(k barKey, b model.Bar) {
	if el, ok := c.entries[k]; ok {
		el.Value.(*cacheEntry).bar = b
		c.ll.MoveToFront(el)
	} else {
		el = c.ll.PushFront(&cacheEntry{key: k, bar: b})
		c.entries[k] = el
		if c.ll.Len() > c.capacity {
			c.evictOldest()
		}
	}
	sub := k.subKey()
	if cur, ok := c.latest[sub]; !ok || k.Index > cur {
		c.latest[sub] = k.Index
	}
}

func (c *lruCache) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.entries, entry.key)
	if c.onEvict != nil {
		c.onEvict()
	}
}

// latestIndex returns the highest bar index ever written for the
// subscription key, even if that bar has since been evicted.
func (c *lruCache) latestIndex(symbol string, timeframeMS int64) (int64, bool) {
	idx, ok := c.latest[symbol+":"+strconv.FormatInt(timeframeMS, 10)]
	return idx, ok
}

func (c *lruCache) len() int { return c.ll.Len() }
