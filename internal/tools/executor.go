package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/tools/mcp"
	"OpenMCP-Relay/pkg/logger"
)

// Caller 调用远端 MCP 工具。
type Caller interface {
	CallTool(ctx context.Context, url, token, name string, args json.RawMessage) (*mcp.CallResult, error)
}

// Result 是一次工具执行的结果。Output 总是可以直接回传给模型。
type Result struct {
	ToolID  string `json:"tool_id"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
}

// ExecutorOptions 配置 Executor。
type ExecutorOptions struct {
	HTTP        *HTTPTool
	MCP         Caller
	HTTPDefault HTTPPolicy
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Executor 按工具类型执行模型发起的调用。
type Executor struct {
	http     *HTTPTool
	mcp      Caller
	defaults HTTPPolicy
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewExecutor 创建 Executor。
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = logger.Named("tools")
	}
	if opts.HTTP == nil {
		opts.HTTP = NewHTTPTool(nil)
	}
	if opts.MCP == nil {
		opts.MCP = mcp.NewClient(mcp.Options{Logger: opts.Logger})
	}
	return &Executor{http: opts.HTTP, mcp: opts.MCP, defaults: opts.HTTPDefault, metrics: opts.Metrics, log: opts.Logger}
}

// Execute 执行一次工具调用。上游失败以 IsError 结果返回，不产生 error。
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) Result {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var res Result
	switch tool.Kind {
	case KindHTTP:
		res = e.executeHTTP(ctx, tool, args)
	case KindMCP:
		res = e.executeMCP(ctx, tool, args)
	default:
		res = errorResult(tool.ID, fmt.Sprintf("tool %s has no executor", tool.Name))
	}
	res.ToolID = tool.ID

	outcome := metrics.OutcomeSuccess
	if res.IsError {
		outcome = metrics.OutcomeFailure
		e.log.Warn("工具调用失败", "tool_id", tool.ID, "kind", tool.Kind, "output", res.Output)
	}
	e.metrics.ToolCall(tool.Kind, outcome)
	return res
}

func (e *Executor) executeHTTP(ctx context.Context, tool Tool, args json.RawMessage) Result {
	policy, err := ParseHTTPPolicy(tool.Config, e.defaults)
	if err != nil {
		return errorResult(tool.ID, err.Error())
	}
	var in HTTPArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return marshalResult(tool.ID, HTTPResult{Status: StatusInvalidArguments, Error: err.Error()}, true)
	}
	out := e.http.Do(ctx, policy, in)
	return marshalResult(tool.ID, out, !out.OK())
}

func (e *Executor) executeMCP(ctx context.Context, tool Tool, args json.RawMessage) Result {
	res, err := e.mcp.CallTool(ctx, tool.ServerURL, tool.Token, tool.RemoteName, args)
	if err != nil {
		return errorResult(tool.ID, err.Error())
	}
	text := res.Text()
	if text == "" && len(res.StructuredContent) > 0 {
		text = string(res.StructuredContent)
	}
	return Result{ToolID: tool.ID, Output: text, IsError: res.IsError}
}

func errorResult(toolID, msg string) Result {
	encoded, _ := json.Marshal(map[string]string{"status": StatusError, "error": msg})
	return Result{ToolID: toolID, Output: string(encoded), IsError: true}
}

func marshalResult(toolID string, v any, isError bool) Result {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errorResult(toolID, err.Error())
	}
	return Result{ToolID: toolID, Output: string(encoded), IsError: isError}
}
