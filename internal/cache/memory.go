package cache

import (
	"container/list"
	"sync"
	"time"
)

// memoryTier 是内存层：map + 双向链表实现 O(1) 查找与 LRU 淘汰，
// maxBytes 为 0 时不设预算，仅依赖显式清理。
type memoryTier struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List
	used     int64
	maxBytes int64
	policy   agePolicy
}

type memoryItem struct {
	key      string
	data     []byte
	storedAt time.Time
}

func newMemoryTier(maxBytes int64, policy agePolicy) *memoryTier {
	return &memoryTier{
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		maxBytes: maxBytes,
		policy:   policy,
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*memoryItem)
	if m.policy.expired(item.storedAt) {
		m.removeElement(elem)
		return nil, false
	}
	m.lru.MoveToFront(elem)
	return item.data, true
}

// set 写入条目并返回因预算不足被淘汰的条目数。超过整个预算的单个条目不进入内存层。
func (m *memoryTier) set(key string, data []byte, storedAt time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
	size := int64(len(data))
	if m.maxBytes > 0 && size > m.maxBytes {
		return 0
	}

	elem := m.lru.PushFront(&memoryItem{key: key, data: data, storedAt: storedAt})
	m.items[key] = elem
	m.used += size

	evicted := 0
	for m.maxBytes > 0 && m.used > m.maxBytes {
		oldest := m.lru.Back()
		if oldest == nil || oldest == elem {
			break
		}
		m.removeElement(oldest)
		evicted++
	}
	return evicted
}

func (m *memoryTier) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.lru.Init()
	m.used = 0
}

func (m *memoryTier) stats() (count int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), m.used
}

func (m *memoryTier) removeElement(elem *list.Element) {
	item := elem.Value.(*memoryItem)
	m.lru.Remove(elem)
	delete(m.items, item.key)
	m.used -= int64(len(item.data))
}
