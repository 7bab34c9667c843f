package actor

import (
	"context"
	"sync"
)

// StateStore 保存 actor 的会话与消息日志。
type StateStore interface {
	// Bootstrap 在 Host 启动时调用一次，用于准备底层存储。
	Bootstrap(ctx context.Context) error
	// Init 覆盖写入 actor 的会话。
	Init(ctx context.Context, actorID string, session Session) error
	// Session 返回会话；尚未初始化时返回 nil 和 nil。
	Session(ctx context.Context, actorID string) (*Session, error)
	// Append 追加一条消息，message id 重复时返回 ErrDuplicateMessage。
	Append(ctx context.Context, actorID string, msg Message) error
	// List 按写入顺序返回全部消息。
	List(ctx context.Context, actorID string) ([]Message, error)
}

// MemoryStateStore 是进程内的 StateStore 实现。
type MemoryStateStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
	ids      map[string]map[string]struct{}
}

// NewMemoryStateStore 创建内存存储。
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		ids:      make(map[string]map[string]struct{}),
	}
}

// Bootstrap 实现 StateStore。
func (m *MemoryStateStore) Bootstrap(context.Context) error { return nil }

// Init 实现 StateStore。
func (m *MemoryStateStore) Init(_ context.Context, actorID string, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[actorID] = session
	return nil
}

// Session 实现 StateStore。
func (m *MemoryStateStore) Session(_ context.Context, actorID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[actorID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Append 实现 StateStore。
func (m *MemoryStateStore) Append(_ context.Context, actorID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.ids[actorID]
	if !ok {
		seen = make(map[string]struct{})
		m.ids[actorID] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return ErrDuplicateMessage
	}
	seen[msg.ID] = struct{}{}
	m.messages[actorID] = append(m.messages[actorID], msg)
	return nil
}

// List 实现 StateStore。
func (m *MemoryStateStore) List(_ context.Context, actorID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[actorID]
	out := make([]Message, len(src))
	copy(out, src)
	return out, nil
}
