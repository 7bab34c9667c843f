package gateway

import (
	"context"
	"sync"
	"time"
)

// GroupSession 是一次群组激活的持久化记录。
type GroupSession struct {
	GroupID     string    `json:"group_id"`
	OrgID       string    `json:"org_id"`
	ActorID     string    `json:"actor_id"`
	PublicKey   string    `json:"public_key"`
	Certificate string    `json:"session_certificate"`
	ActivatedAt time.Time `json:"activated_at"`
}

// SessionStore 保存群组会话。重复激活覆盖旧记录。
type SessionStore interface {
	SaveGroupSession(ctx context.Context, session GroupSession) error
	// LoadGroupSession 在群组未激活时返回 nil 和 nil。
	LoadGroupSession(ctx context.Context, groupID string) (*GroupSession, error)
}

// MemorySessionStore 是进程内的 SessionStore。
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]GroupSession
}

// NewMemorySessionStore 创建内存存储。
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]GroupSession)}
}

// SaveGroupSession 实现 SessionStore。
func (m *MemorySessionStore) SaveGroupSession(_ context.Context, session GroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.GroupID] = session
	return nil
}

// LoadGroupSession 实现 SessionStore。
func (m *MemorySessionStore) LoadGroupSession(_ context.Context, groupID string) (*GroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[groupID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// GroupPublicKey 返回群组当前的会话公钥，供 runner 拒绝旧会话签发的令牌。
func (m *MemorySessionStore) GroupPublicKey(ctx context.Context, groupID string) (string, bool, error) {
	s, err := m.LoadGroupSession(ctx, groupID)
	if err != nil || s == nil {
		return "", false, err
	}
	return s.PublicKey, true, nil
}
