package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"OpenMCP-Relay/pkg/logger"
)

const (
	defaultTimeout = 30 * time.Second
	// maxPages 防止服务器返回循环的 cursor。
	maxPages = 50
)

// Options 配置 Client。
type Options struct {
	Timeout       time.Duration
	ClientName    string
	ClientVersion string
	Logger        *slog.Logger
}

// Client 通过 Streamable HTTP 传输访问远端 MCP 服务器，每次调用建立一个独立会话。
type Client struct {
	timeout time.Duration
	info    mcplib.Implementation
	log     *slog.Logger
}

// NewClient 创建 MCP 客户端。
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ClientName == "" {
		opts.ClientName = "openmcp-relay"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("mcp")
	}
	return &Client{
		timeout: opts.Timeout,
		info:    mcplib.Implementation{Name: opts.ClientName, Version: opts.ClientVersion},
		log:     opts.Logger,
	}
}

// connect 完成 initialize 握手，token 以 Bearer 头传递。调用方负责 Close。
func (c *Client) connect(ctx context.Context, url, token string) (*mcpclient.Client, error) {
	opts := []transport.StreamableHTTPCOption{transport.WithHTTPTimeout(c.timeout)}
	if token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + token}))
	}
	cli, err := mcpclient.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("mcp start: %w", err)
	}

	req := mcplib.InitializeRequest{}
	req.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = c.info
	if _, err := cli.Initialize(ctx, req); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return cli, nil
}

// ListTools 连接服务器并拉取完整的工具目录，自动跟随 nextCursor 分页。
func (c *Client) ListTools(ctx context.Context, url, token string) ([]Tool, error) {
	cli, err := c.connect(ctx, url, token)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	var (
		tools []Tool
		req   mcplib.ListToolsRequest
	)
	for page := 0; page < maxPages; page++ {
		res, err := cli.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("mcp tools/list: %w", err)
		}
		for _, t := range res.Tools {
			tool, err := toolFrom(t)
			if err != nil {
				c.log.Warn("跳过无法编码 schema 的 MCP 工具", "url", url, "tool", t.Name, "error", err)
				continue
			}
			tools = append(tools, tool)
		}
		if res.NextCursor == "" || res.NextCursor == req.Params.Cursor {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
	c.log.Warn("MCP 工具目录分页过多，已截断", "url", url, "pages", maxPages)
	return tools, nil
}

// CallTool 连接服务器并调用一个工具。args 必须是 JSON 对象或为空。
func (c *Client) CallTool(ctx context.Context, url, token, name string, args json.RawMessage) (*CallResult, error) {
	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("mcp tools/call %s: arguments must be a JSON object: %w", name, err)
		}
	}

	cli, err := c.connect(ctx, url, token)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	if arguments != nil {
		req.Params.Arguments = arguments
	}
	res, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp tools/call %s: %w", name, err)
	}
	return callResultFrom(res), nil
}
