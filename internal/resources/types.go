package resources

import (
	"context"
	"encoding/json"
	"time"
)

// MCP server statuses.
const (
	ServerStatusValid   = "valid"
	ServerStatusInvalid = "invalid"
	ServerStatusPending = "pending"
)

// ToolRef 是 agent 上内联声明的工具。
type ToolRef struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
	Config      map[string]any  `json:"config,omitempty" yaml:"config"`
}

// Agent 是 agent 的配置记录。
type Agent struct {
	ID           string    `json:"id" yaml:"id"`
	OrgID        string    `json:"org_id" yaml:"org_id"`
	Name         string    `json:"name" yaml:"name"`
	Instructions string    `json:"instructions" yaml:"instructions"`
	ModelID      string    `json:"model_id" yaml:"model_id"`
	Tools        []ToolRef `json:"tools,omitempty" yaml:"tools"`
	MCPServerIDs []string  `json:"mcp_server_ids,omitempty" yaml:"mcp_server_ids"`
	MaxSteps     int       `json:"max_steps,omitempty" yaml:"max_steps"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// Model 描述模型调用所需的凭据引用。API key 以密文记录的 id 引用。
type Model struct {
	ID             string    `json:"id" yaml:"id"`
	OrgID          string    `json:"org_id" yaml:"org_id"`
	Provider       string    `json:"provider" yaml:"provider"`
	Name           string    `json:"name" yaml:"name"`
	BaseURL        string    `json:"base_url,omitempty" yaml:"base_url"`
	APIKeySecretID string    `json:"api_key_secret_id,omitempty" yaml:"api_key_secret_id"`
	Temperature    float64   `json:"temperature,omitempty" yaml:"temperature"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
}

// SecretRecord 是存储中的密文记录，不会进入缓存。
type SecretRecord struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Ciphertext string    `json:"ciphertext"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MCPServer 是远端 MCP 工具服务器的描述。
type MCPServer struct {
	ID        string    `json:"id" yaml:"id"`
	OrgID     string    `json:"org_id" yaml:"org_id"`
	Name      string    `json:"name" yaml:"name"`
	URL       string    `json:"url" yaml:"url"`
	Status    string    `json:"status" yaml:"status"`
	SecretID  string    `json:"secret_id,omitempty" yaml:"secret_id"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Catalog 是对关系型数据源的窄读取契约。记录不存在时返回 NOT_FOUND 错误。
type Catalog interface {
	FetchAgent(ctx context.Context, id string) (*Agent, error)
	FetchModel(ctx context.Context, id string) (*Model, error)
	FetchSecret(ctx context.Context, id string) (*SecretRecord, error)
	FetchMCPServer(ctx context.Context, id string) (*MCPServer, error)
	// FetchMembershipRole 返回成员角色；没有记录时返回空字符串和 nil。
	FetchMembershipRole(ctx context.Context, groupID, userID string) (string, error)
}
