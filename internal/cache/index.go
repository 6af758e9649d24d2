package cache

import (
	"container/list"
	"time"
)

// index 维护 key → 条目的映射与淘汰顺序：链表头部永远是下一个淘汰对象。
type index[T any] struct {
	policy Policy
	items  map[string]*list.Element
	order  *list.List
	size   int64
}

type node[T any] struct {
	entry   Entry
	payload T
}

func newIndex[T any](policy Policy) *index[T] {
	return &index[T]{
		policy: policy,
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

func (ix *index[T]) get(key string) (*node[T], bool) {
	el, ok := ix.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*node[T]), true
}

// touch 刷新访问统计，LRU 策略下同时移动到链表尾部。
func (ix *index[T]) touch(key string, now time.Time) {
	el, ok := ix.items[key]
	if !ok {
		return
	}
	n := el.Value.(*node[T])
	n.entry.LastAccessAt = now
	n.entry.AccessCount++
	if ix.policy == PolicyLRU {
		ix.order.MoveToBack(el)
	}
}

func (ix *index[T]) insert(n *node[T]) {
	if old, ok := ix.items[n.entry.Key]; ok {
		ix.size -= old.Value.(*node[T]).entry.SizeBytes
		ix.order.Remove(old)
	}
	ix.items[n.entry.Key] = ix.order.PushBack(n)
	ix.size += n.entry.SizeBytes
}

func (ix *index[T]) remove(key string) (*node[T], bool) {
	el, ok := ix.items[key]
	if !ok {
		return nil, false
	}
	n := el.Value.(*node[T])
	ix.order.Remove(el)
	delete(ix.items, key)
	ix.size -= n.entry.SizeBytes
	return n, true
}

// victim 返回当前策略下的淘汰对象。
func (ix *index[T]) victim() (*node[T], bool) {
	front := ix.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*node[T]), true
}

// snapshot 按淘汰顺序返回全部节点，供 auto-clean 等批处理遍历。
func (ix *index[T]) snapshot() []*node[T] {
	out := make([]*node[T], 0, ix.order.Len())
	for el := ix.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*node[T]))
	}
	return out
}

func (ix *index[T]) len() int {
	return len(ix.items)
}

func (ix *index[T]) reset() {
	ix.items = make(map[string]*list.Element)
	ix.order.Init()
	ix.size = 0
}
