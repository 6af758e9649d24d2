// Package fifo provides the small bounded caches used for DNS answers and IP
// geolocation lookups: once the capacity is reached the oldest inserted key
// is dropped, regardless of how often it was read.
package fifo

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCapacity 是辅助缓存的默认上限。
const DefaultCapacity = 1000

type item[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache 是并发安全的定长 FIFO 缓存，可选 TTL。
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*list.Element
	order    *list.List
}

// New 创建缓存；capacity<=0 时使用 DefaultCapacity，ttl<=0 表示不过期。
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// WithClock 替换时钟，仅用于测试。
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

// Get 返回未过期的值，过期项在读取时删除。
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	it := el.Value.(*item[V])
	if !it.expiresAt.IsZero() && c.now().After(it.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	return it.value, true
}

// Set 写入或覆盖；覆盖不改变插入顺序。
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item[V])
		it.value = value
		it.expiresAt = expiresAt
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*item[V]).key)
	}
	c.items[key] = c.order.PushBack(&item[V]{key: key, value: value, expiresAt: expiresAt})
}

// Len 返回当前条目数（含尚未被读到的过期项）。
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
