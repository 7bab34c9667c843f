package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/resources"
	"OpenMCP-Relay/internal/tools/mcp"
	"OpenMCP-Relay/pkg/logger"
)

// Tool kinds.
const (
	KindInline = "inline"
	KindHTTP   = "http"
	KindMCP    = "mcp"
)

// Skip reasons recorded in Report.
const (
	SkipServerUnresolved = "server_unresolved"
	SkipStatusInvalid    = "status_invalid"
	SkipSecretUnresolved = "secret_unresolved"
	SkipListFailed       = "list_failed"
)

// Tool 是解析后可调用的工具。MCP 工具每次解析重新构建，不跨调用缓存。
type Tool struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Config      map[string]any  `json:"config,omitempty"`

	ServerID  string `json:"server_id,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
	// RemoteName 是 MCP 服务器上的原始工具名。
	RemoteName string `json:"remote_name,omitempty"`
	Token      string `json:"-"`
}

// FunctionName 返回可以交给模型的函数名，只包含字母、数字、下划线与连字符。
func (t Tool) FunctionName() string {
	name := t.Name
	if t.Kind == KindMCP {
		name = t.ID
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// Schema 返回交给模型的参数 schema；HTTP 工具未声明时使用内置 schema。
func (t Tool) Schema() json.RawMessage {
	if len(t.Parameters) == 0 && t.Kind == KindHTTP {
		return httpToolParameters
	}
	return t.Parameters
}

// MCPToolID 返回 MCP 工具的全局唯一 id。
func MCPToolID(serverID, toolID string) string {
	return "mcp:" + serverID + ":" + toolID
}

// Skip 描述一个被跳过的 MCP 服务器。
type Skip struct {
	ServerID string `json:"server_id"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// Report 汇总一次解析中的部分失败。
type Report struct {
	Skipped []Skip `json:"skipped"`
}

func (r *Report) skip(serverID, reason string, err error) {
	s := Skip{ServerID: serverID, Reason: reason}
	if err != nil {
		s.Error = err.Error()
	}
	r.Skipped = append(r.Skipped, s)
}

// Source 是工具解析依赖的缓存解析能力，*resources.Resolvers 满足该接口。
type Source interface {
	ResolveMCPServer(ctx context.Context, id string) (resources.MCPServer, error)
	ResolveSecret(ctx context.Context, id string) (string, error)
}

// Lister 拉取远端工具目录。
type Lister interface {
	ListTools(ctx context.Context, url, token string) ([]mcp.Tool, error)
}

// ResolverOptions 配置 Resolver。
type ResolverOptions struct {
	Source  Source
	Lister  Lister
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Resolver 把 agent 声明的工具转换为可调用的工具集合。
type Resolver struct {
	source  Source
	lister  Lister
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewResolver 创建 Resolver。
func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Logger == nil {
		opts.Logger = logger.Named("tools")
	}
	if opts.Lister == nil {
		opts.Lister = mcp.NewClient(mcp.Options{Logger: opts.Logger})
	}
	return &Resolver{source: opts.Source, lister: opts.Lister, metrics: opts.Metrics, log: opts.Logger}
}

// Resolve 返回内联工具与所有可用 MCP 服务器上的工具。单个服务器失败只记录在 Report 中。
func (r *Resolver) Resolve(ctx context.Context, agent resources.Agent) ([]Tool, Report) {
	report := Report{Skipped: []Skip{}}
	out := make([]Tool, 0, len(agent.Tools))
	for _, ref := range agent.Tools {
		out = append(out, inlineTool(ref))
	}

	for _, serverID := range agent.MCPServerIDs {
		tools, reason, err := r.resolveServer(ctx, serverID)
		if reason != "" {
			report.skip(serverID, reason, err)
			r.metrics.ToolServerSkipped(reason)
			r.log.Warn("MCP 服务器已跳过", "agent_id", agent.ID, "server_id", serverID, "reason", reason, "error", err)
			continue
		}
		out = append(out, tools...)
	}
	return out, report
}

func (r *Resolver) resolveServer(ctx context.Context, serverID string) ([]Tool, string, error) {
	server, err := r.source.ResolveMCPServer(ctx, serverID)
	if err != nil {
		return nil, SkipServerUnresolved, err
	}
	if server.Status != resources.ServerStatusValid {
		return nil, SkipStatusInvalid, fmt.Errorf("status %q", server.Status)
	}

	token := ""
	if server.SecretID != "" {
		token, err = r.source.ResolveSecret(ctx, server.SecretID)
		if err != nil {
			return nil, SkipSecretUnresolved, err
		}
		if strings.TrimSpace(token) == "" {
			return nil, SkipSecretUnresolved, fmt.Errorf("secret %s is empty", server.SecretID)
		}
	}

	remote, err := r.lister.ListTools(ctx, server.URL, token)
	if err != nil {
		return nil, SkipListFailed, err
	}
	out := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		out = append(out, Tool{
			ID:          MCPToolID(serverID, rt.Name),
			Kind:        KindMCP,
			Name:        rt.Name,
			Description: rt.Description,
			Parameters:  rt.InputSchema,
			ServerID:    serverID,
			ServerURL:   server.URL,
			RemoteName:  rt.Name,
			Token:       token,
		})
	}
	return out, "", nil
}

// inlineTool 原样透传内联声明；配置了 base_url 或 type=http 的工具由 HTTP 工具执行。
func inlineTool(ref resources.ToolRef) Tool {
	kind := KindInline
	if t, _ := ref.Config["type"].(string); strings.EqualFold(t, KindHTTP) {
		kind = KindHTTP
	} else if _, ok := ref.Config["base_url"]; ok {
		kind = KindHTTP
	}
	return Tool{
		ID:          ref.ID,
		Kind:        kind,
		Name:        ref.Name,
		Description: ref.Description,
		Parameters:  ref.Parameters,
		Config:      ref.Config,
	}
}
