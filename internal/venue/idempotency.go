package venue

import (
	"container/list"
	"sync"

	"quoter/internal/schema"
)

// submissionCache remembers the venue response for recent client order ids.
type submissionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type submissionEntry struct {
	key    string
	record schema.OrderRecord
}

func newSubmissionCache(capacity int) *submissionCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &submissionCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *submissionCache) Get(key string) (schema.OrderRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return schema.OrderRecord{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*submissionEntry).record, true
}

func (c *submissionCache) Put(key string, record schema.OrderRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*submissionEntry).record = record
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&submissionEntry{key: key, record: record})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*submissionEntry).key)
	}
}

func (c *submissionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
