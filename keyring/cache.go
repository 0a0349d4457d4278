package keyring

import (
	"container/list"
	"sync"
)

// Cache holds derived and unwrapped symmetric keys, keyed by conversation
// identifier. Each entry records the fingerprint of the public key material
// it was derived from; a lookup with a different fingerprint evicts the stale
// entry and misses, forcing re-derivation. The cache is bounded LRU and is
// cleared in full on logout.
type Cache struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	convID      string
	fingerprint string
	key         Key
}

// NewCache creates a key cache holding up to capacity entries.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached key for a conversation. fingerprint is the
// fingerprint of the peer (or issuer) public key currently on record; a
// mismatch invalidates the entry.
func (c *Cache) Get(convID, fingerprint string) (Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[convID]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.fingerprint != fingerprint {
		// Underlying public key changed; the derived key is no longer valid.
		delete(c.items, convID)
		c.order.Remove(elem)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.key, true
}

// Put stores a key for a conversation along with the fingerprint of the
// public key material it was derived from.
func (c *Cache) Put(convID, fingerprint string, key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[convID]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.fingerprint = fingerprint
		entry.key = key
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.items, oldest.Value.(*cacheEntry).convID)
			c.order.Remove(oldest)
		}
	}

	elem := c.order.PushFront(&cacheEntry{convID: convID, fingerprint: fingerprint, key: key})
	c.items[convID] = elem
}

// Invalidate removes a single conversation's entry.
func (c *Cache) Invalidate(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[convID]; ok {
		delete(c.items, convID)
		c.order.Remove(elem)
	}
}

// Clear removes all entries. Called on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.items {
		zeroBytes(elem.Value.(*cacheEntry).key)
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
