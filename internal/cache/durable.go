package cache

import (
	"context"
	"sync"
	"time"
)

// Durable 是跨进程共享的 Tier 2 键值存储。
type Durable interface {
	// Get 返回 key 的值；不存在时 found 为 false 且 err 为 nil。
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// LatestKey 是保存当前版本号的指针键。
func LatestKey(base string) string {
	return base + ":latest"
}

// VersionKey 是保存某个版本 JSON 负载的键。
func VersionKey(base, version string) string {
	return base + ":v:" + version
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryDurable 是 Durable 的内存实现，用于单进程部署与测试。
type MemoryDurable struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryDurable 创建内存 Tier 2；now 为 nil 时使用 time.Now。
func NewMemoryDurable(now func() time.Time) *MemoryDurable {
	if now == nil {
		now = time.Now
	}
	return &MemoryDurable{items: make(map[string]memoryItem), now: now}
}

// Get 实现 Durable。
func (m *MemoryDurable) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return "", false, nil
	}
	return item.value, true, nil
}

// Set 实现 Durable。ttl 非正数表示不过期。
func (m *MemoryDurable) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// Delete 实现 Durable。
func (m *MemoryDurable) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}
