package history

import "sync"

// NodeCache is a bounded LRU of normalized message nodes keyed by message ID.
// Overlapping reply chains from different turns hit the same entries, so
// access is guarded by a mutex.
type NodeCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheEntry
	head     *cacheEntry // most recently used
	tail     *cacheEntry // least recently used
}

type cacheEntry struct {
	key  string
	node *Node
	prev *cacheEntry
	next *cacheEntry
}

// NewNodeCache creates a cache holding at most capacity nodes.
func NewNodeCache(capacity int) *NodeCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &NodeCache{
		capacity: capacity,
		items:    make(map[string]*cacheEntry),
	}
}

// Get returns the cached node for the message ID, marking it recently used.
func (c *NodeCache) Get(id string) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.moveToFront(entry)
	return entry.node, true
}

// Put stores a node, evicting the least recently used entry when full.
// Message content is immutable per ID, so overwriting an existing entry is
// harmless.
func (c *NodeCache) Put(id string, node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[id]; ok {
		entry.node = node
		c.moveToFront(entry)
		return
	}

	entry := &cacheEntry{key: id, node: node}
	c.items[id] = entry
	c.pushFront(entry)

	if len(c.items) > c.capacity {
		c.evictTail()
	}
}

// Len reports the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *NodeCache) pushFront(entry *cacheEntry) {
	entry.prev = nil
	entry.next = c.head
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *NodeCache) moveToFront(entry *cacheEntry) {
	if entry == c.head {
		return
	}
	if entry.prev != nil {
		entry.prev.next = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	}
	if entry == c.tail {
		c.tail = entry.prev
	}
	c.pushFront(entry)
}

func (c *NodeCache) evictTail() {
	if c.tail == nil {
		return
	}
	evicted := c.tail
	if evicted.prev != nil {
		evicted.prev.next = nil
	}
	c.tail = evicted.prev
	if c.head == evicted {
		c.head = nil
	}
	delete(c.items, evicted.key)
}
