package cache

import (
	"sort"
	"sync"
	"time"
)

type localEntry[T any] struct {
	value      T
	version    string
	expiresAt  time.Time
	lastAccess time.Time
	// seq 在 lastAccess 相同时区分先后。
	seq uint64
}

// Local 是进程内的 Tier 1 缓存：带过期时间的有界 map，超出容量时按最近读取时间淘汰。
type Local[T any] struct {
	mu       sync.Mutex
	entries  map[string]*localEntry[T]
	capacity int
	now      func() time.Time
	seq      uint64
}

// NewLocal 创建容量为 capacity 的 Tier 1 缓存；now 为 nil 时使用 time.Now。
func NewLocal[T any](capacity int, now func() time.Time) *Local[T] {
	if capacity <= 0 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Local[T]{entries: make(map[string]*localEntry[T]), capacity: capacity, now: now}
}

// Get 返回值与版本；过期条目会被删除。命中时刷新 lastAccess。
func (l *Local[T]) Get(key string) (T, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	entry, ok := l.entries[key]
	if !ok {
		return zero, "", false
	}
	now := l.now()
	if !now.Before(entry.expiresAt) {
		delete(l.entries, key)
		return zero, "", false
	}
	l.seq++
	entry.lastAccess = now
	entry.seq = l.seq
	return entry.value, entry.version, true
}

// Set 写入或替换条目，然后裁剪到容量以内。
func (l *Local[T]) Set(key string, value T, version string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.seq++
	l.entries[key] = &localEntry[T]{
		value:      value,
		version:    version,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
		seq:        l.seq,
	}
	l.prune()
}

func (l *Local[T]) prune() {
	excess := len(l.entries) - l.capacity
	if excess <= 0 {
		return
	}
	type candidate struct {
		key        string
		lastAccess time.Time
		seq        uint64
	}
	list := make([]candidate, 0, len(l.entries))
	for k, e := range l.entries {
		list = append(list, candidate{key: k, lastAccess: e.lastAccess, seq: e.seq})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].lastAccess.Equal(list[j].lastAccess) {
			return list[i].seq < list[j].seq
		}
		return list[i].lastAccess.Before(list[j].lastAccess)
	})
	for _, c := range list[:excess] {
		delete(l.entries, c.key)
	}
}

// Delete 删除条目。
func (l *Local[T]) Delete(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len 返回当前条目数（包含尚未被访问到的过期条目）。
func (l *Local[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Contains 判断 key 是否存在，不刷新 lastAccess。
func (l *Local[T]) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[key]
	return ok
}
