package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Relay/internal/errors"
)

// MemoryCatalog 是 Catalog 的内存实现，供单进程部署与测试使用。
type MemoryCatalog struct {
	mu          sync.RWMutex
	agents      map[string]Agent
	models      map[string]Model
	secrets     map[string]SecretRecord
	servers     map[string]MCPServer
	memberships map[string]string
	now         func() time.Time
}

// NewMemoryCatalog 创建空目录。
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		agents:      make(map[string]Agent),
		models:      make(map[string]Model),
		secrets:     make(map[string]SecretRecord),
		servers:     make(map[string]MCPServer),
		memberships: make(map[string]string),
		now:         time.Now,
	}
}

func (m *MemoryCatalog) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return m.now()
	}
	return t
}

// PutAgent 写入或覆盖 agent。
func (m *MemoryCatalog) PutAgent(a Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.UpdatedAt = m.stamp(a.UpdatedAt)
	m.agents[a.ID] = a
}

// PutModel 写入或覆盖模型。
func (m *MemoryCatalog) PutModel(model Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model.UpdatedAt = m.stamp(model.UpdatedAt)
	m.models[model.ID] = model
}

// PutSecret 写入密文记录。
func (m *MemoryCatalog) PutSecret(s SecretRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.stamp(s.UpdatedAt)
	m.secrets[s.ID] = s
}

// PutMCPServer 写入或覆盖 MCP 服务器。
func (m *MemoryCatalog) PutMCPServer(s MCPServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.stamp(s.UpdatedAt)
	m.servers[s.ID] = s
}

// PutMembership 设置成员角色。
func (m *MemoryCatalog) PutMembership(groupID, userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[groupID+"/"+userID] = role
}

// FetchAgent 实现 Catalog。
func (m *MemoryCatalog) FetchAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, notFound("agent", id)
	}
	return &a, nil
}

// FetchModel 实现 Catalog。
func (m *MemoryCatalog) FetchModel(_ context.Context, id string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[id]
	if !ok {
		return nil, notFound("model", id)
	}
	return &model, nil
}

// FetchSecret 实现 Catalog。
func (m *MemoryCatalog) FetchSecret(_ context.Context, id string) (*SecretRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, notFound("secret", id)
	}
	return &s, nil
}

// FetchMCPServer 实现 Catalog。
func (m *MemoryCatalog) FetchMCPServer(_ context.Context, id string) (*MCPServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, notFound("mcp server", id)
	}
	return &s, nil
}

// FetchMembershipRole 实现 Catalog。
func (m *MemoryCatalog) FetchMembershipRole(_ context.Context, groupID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memberships[groupID+"/"+userID], nil
}

func notFound(kind, id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("%s %s not found", kind, id),
		xerrors.WithMetadata("kind", kind), xerrors.WithMetadata("id", id))
}

// Seed 是目录种子文件的结构。secrets 中保存明文，加载时加密后存入。
type Seed struct {
	Agents []struct {
		Agent `yaml:",inline"`
		// ToolParameters 以 YAML 书写，加载时转为 JSON schema。
		ToolParameters map[string]map[string]any `yaml:"tool_parameters"`
	} `yaml:"agents"`
	Models      []Model     `yaml:"models"`
	MCPServers  []MCPServer `yaml:"mcp_servers"`
	Secrets     []SeedValue `yaml:"secrets"`
	Memberships []struct {
		GroupID string `yaml:"group_id"`
		UserID  string `yaml:"user_id"`
		Role    string `yaml:"role"`
	} `yaml:"memberships"`
}

// SeedValue 是种子文件中的明文密钥。
type SeedValue struct {
	ID    string `yaml:"id"`
	OrgID string `yaml:"org_id"`
	Value string `yaml:"value"`
}

// Encrypter 加密种子中的明文密钥。
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// LoadSeedFile 读取 YAML 种子文件并写入目录。
func (m *MemoryCatalog) LoadSeedFile(path string, enc Encrypter) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取目录种子失败: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(content, &seed); err != nil {
		return fmt.Errorf("解析目录种子失败: %w", err)
	}
	return m.ApplySeed(seed, enc)
}

// ApplySeed 将种子写入目录。
func (m *MemoryCatalog) ApplySeed(seed Seed, enc Encrypter) error {
	for _, entry := range seed.Agents {
		agent := entry.Agent
		for i, tool := range agent.Tools {
			params, ok := entry.ToolParameters[tool.ID]
			if !ok {
				continue
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return fmt.Errorf("encode parameters for tool %s: %w", tool.ID, err)
			}
			agent.Tools[i].Parameters = raw
		}
		m.PutAgent(agent)
	}
	for _, model := range seed.Models {
		m.PutModel(model)
	}
	for _, server := range seed.MCPServers {
		if server.Status == "" {
			server.Status = ServerStatusValid
		}
		m.PutMCPServer(server)
	}
	for _, s := range seed.Secrets {
		if enc == nil {
			return fmt.Errorf("secret %s: master key is not configured", s.ID)
		}
		ct, err := enc.Encrypt(s.Value)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", s.ID, err)
		}
		m.PutSecret(SecretRecord{ID: s.ID, OrgID: s.OrgID, Ciphertext: ct})
	}
	for _, ms := range seed.Memberships {
		m.PutMembership(ms.GroupID, ms.UserID, ms.Role)
	}
	return nil
}
