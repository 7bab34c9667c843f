package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	xerrors "OpenMCP-Relay/internal/errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Model 是一次调用使用的模型句柄，由模型记录与解密后的 API key 组成。
type Model struct {
	Provider    string
	Name        string
	BaseURL     string
	APIKey      string
	Temperature float64
}

// ToolSpec 描述一个可供模型调用的工具。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall 是模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 是对话中的一条消息。工具结果使用 RoleTool 并携带 ToolCallID。
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// Request 描述发送给大模型的一轮对话。
type Request struct {
	Model    Model
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Response 是模型的输出：文本或一组工具调用。
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Providers 按 provider 名称选择 Client。
type Providers struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback string
}

// NewProviders 创建 provider 注册表，fallback 用于模型记录未声明 provider 的情况。
func NewProviders(fallback string) *Providers {
	return &Providers{clients: make(map[string]Client), fallback: strings.ToLower(fallback)}
}

// Register 注册一个 provider 的实现。
func (p *Providers) Register(name string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[strings.ToLower(name)] = c
}

// Generate 实现 Client，按 req.Model.Provider 分发。
func (p *Providers) Generate(ctx context.Context, req Request) (*Response, error) {
	name := strings.ToLower(strings.TrimSpace(req.Model.Provider))
	if name == "" {
		name = p.fallback
	}
	p.mu.RLock()
	c, ok := p.clients[name]
	p.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("llm provider %q is not registered", name))
	}
	return c.Generate(ctx, req)
}
