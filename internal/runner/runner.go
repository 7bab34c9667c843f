package runner

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"OpenMCP-Relay/internal/audit"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/llm"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/resources"
	"OpenMCP-Relay/internal/tools"
	"OpenMCP-Relay/pkg/logger"
)

const (
	defaultMaxSteps    = 4
	defaultEventBuffer = 32
	tracerName         = "openmcp-relay/runner"
)

// Config 解析 agent 配置与模型凭据，*resources.Resolvers 满足该接口。
type Config interface {
	ResolveAgent(ctx context.Context, id string) (resources.Agent, error)
	ResolveModel(ctx context.Context, id string) (resources.Model, error)
	ResolveSecret(ctx context.Context, id string) (string, error)
}

// ToolResolver 解析 agent 的工具集合。
type ToolResolver interface {
	Resolve(ctx context.Context, agent resources.Agent) ([]tools.Tool, tools.Report)
}

// ToolExecutor 执行工具调用。
type ToolExecutor interface {
	Execute(ctx context.Context, tool tools.Tool, args json.RawMessage) tools.Result
}

// Options 配置 Runner。
type Options struct {
	OrchestratorPublicKey ed25519.PublicKey
	GroupKeys             GroupKeys
	Config                Config
	Tools                 ToolResolver
	Executor              ToolExecutor
	LLM                   llm.Client
	MaxSteps              int
	EventBuffer           int
	Audit                 *audit.Recorder
	Metrics               *metrics.Registry
	Tracer                trace.Tracer
	Logger                *slog.Logger
	Clock                 func() time.Time
}

// Runner 组合 agent 配置、工具与模型，完成一次 agent 执行。
type Runner struct {
	orchestrator ed25519.PublicKey
	groupKeys    GroupKeys
	config       Config
	tools        ToolResolver
	executor     ToolExecutor
	llm          llm.Client
	maxSteps     int
	buffer       int
	audit        *audit.Recorder
	metrics      *metrics.Registry
	tracer       trace.Tracer
	log          *slog.Logger
	now          func() time.Time
}

// New 创建 Runner。
func New(opts Options) *Runner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("runner")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewRecorder()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{
		orchestrator: opts.OrchestratorPublicKey,
		groupKeys:    opts.GroupKeys,
		config:       opts.Config,
		tools:        opts.Tools,
		executor:     opts.Executor,
		llm:          opts.LLM,
		maxSteps:     opts.MaxSteps,
		buffer:       opts.EventBuffer,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		log:          opts.Logger,
		now:          opts.Clock,
	}
}

// Job 是一次已授权的执行请求。
type Job struct {
	AgentID   string
	GroupID   string
	OrgID     string
	RuntimeID string
	Prompt    string
}

// prepared 是执行前解析好的全部输入。
type prepared struct {
	agent  resources.Agent
	model  llm.Model
	tools  []tools.Tool
	byName map[string]tools.Tool
	report tools.Report
}

// Run 解析配置后在后台执行，返回有界事件通道。配置解析失败直接返回错误。
func (r *Runner) Run(ctx context.Context, job Job) (<-chan Event, error) {
	if job.AgentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	if r.llm == nil || r.config == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "runner is not fully configured")
	}

	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("agent.id", job.AgentID),
		attribute.String("group.id", job.GroupID),
		attribute.String("runtime.id", job.RuntimeID),
	))
	p, err := r.prepare(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		r.metrics.AgentRun(err, 0)
		return nil, err
	}
	span.SetAttributes(attribute.Int("tools.count", len(p.tools)), attribute.Int("tools.skipped", len(p.report.Skipped)))

	events := make(chan Event, r.buffer)
	go func() {
		defer close(events)
		defer span.End()
		start := r.now()
		final := r.loop(ctx, p, job, events)
		if final.Err != nil {
			span.RecordError(final.Err)
			span.SetStatus(codes.Error, final.Err.Error())
		}
		r.metrics.AgentRun(final.Err, r.now().Sub(start))
		r.emit(ctx, events, final)
	}()
	return events, nil
}

func (r *Runner) prepare(ctx context.Context, job Job) (*prepared, error) {
	agent, err := r.config.ResolveAgent(ctx, job.AgentID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != "" && agent.OrgID != "" && agent.OrgID != job.OrgID {
		return nil, xerrors.New(xerrors.CodeForbidden, "")
	}
	model, err := r.config.ResolveModel(ctx, agent.ModelID)
	if err != nil {
		return nil, err
	}
	handle := llm.Model{
		Provider:    model.Provider,
		Name:        model.Name,
		BaseURL:     model.BaseURL,
		Temperature: model.Temperature,
	}
	if model.APIKeySecretID != "" {
		key, err := r.config.ResolveSecret(ctx, model.APIKeySecretID)
		if err != nil {
			return nil, err
		}
		handle.APIKey = key
	}

	p := &prepared{agent: agent, model: handle, byName: map[string]tools.Tool{}, report: tools.Report{Skipped: []tools.Skip{}}}
	if r.tools != nil {
		p.tools, p.report = r.tools.Resolve(ctx, agent)
	}
	for _, t := range p.tools {
		p.byName[t.FunctionName()] = t
	}
	return p, nil
}

// emit 在消费方离开时放弃发送，避免后台 goroutine 泄漏。
func (r *Runner) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) loop(ctx context.Context, p *prepared, job Job, events chan<- Event) Event {
	status := fmt.Sprintf("running agent %s with %d tools", p.agent.ID, len(p.tools))
	if !r.emit(ctx, events, Event{Kind: EventStatus, Status: status}) {
		return Event{Kind: EventFinal, Err: ctx.Err()}
	}

	specs := make([]llm.ToolSpec, 0, len(p.tools))
	for _, t := range p.tools {
		specs = append(specs, llm.ToolSpec{Name: t.FunctionName(), Description: t.Description, Parameters: t.Schema()})
	}
	messages := []llm.Message{{Role: llm.RoleUser, Content: job.Prompt}}

	maxSteps := r.maxSteps
	if p.agent.MaxSteps > 0 && p.agent.MaxSteps < maxSteps {
		maxSteps = p.agent.MaxSteps
	}

	for step := 1; step <= maxSteps+1; step++ {
		req := llm.Request{Model: p.model, System: p.agent.Instructions, Messages: messages, Tools: specs}
		// 达到步数上限后不再提供工具，要求模型直接给出回答。
		if step > maxSteps {
			req.Tools = nil
		}
		resp, err := r.llm.Generate(ctx, req)
		if err != nil {
			return Event{Kind: EventFinal, Step: step, Err: modelError(err)}
		}
		if len(resp.ToolCalls) == 0 || req.Tools == nil {
			return Event{Kind: EventFinal, Step: step, Text: resp.Text}
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := r.callTool(ctx, p, step, call, events)
			if err := ctx.Err(); err != nil {
				return Event{Kind: EventFinal, Step: step, Err: contextError(err)}
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: result.Output})
		}
	}
	return Event{Kind: EventFinal, Err: xerrors.New(xerrors.CodeUpstreamFailure, "agent did not finish")}
}

func (r *Runner) callTool(ctx context.Context, p *prepared, step int, call llm.ToolCall, events chan<- Event) tools.Result {
	tool, ok := p.byName[call.Name]
	toolID := call.Name
	if ok {
		toolID = tool.ID
	}
	r.emit(ctx, events, Event{Kind: EventToolCall, Step: step, ToolID: toolID, CallID: call.ID, Arguments: call.Arguments})

	var result tools.Result
	switch {
	case !ok:
		encoded, _ := json.Marshal(map[string]string{"status": tools.StatusError, "error": "unknown tool " + call.Name})
		result = tools.Result{ToolID: toolID, Output: string(encoded), IsError: true}
	case r.executor == nil:
		result = tools.Result{ToolID: toolID, Output: `{"status":"error","error":"tool execution is disabled"}`, IsError: true}
	default:
		ctx, span := r.tracer.Start(ctx, "runner.tool", trace.WithAttributes(
			attribute.String("tool.id", tool.ID),
			attribute.String("tool.kind", tool.Kind),
		))
		result = r.executor.Execute(ctx, tool, call.Arguments)
		if result.IsError {
			span.SetStatus(codes.Error, "tool returned an error result")
		}
		span.End()
	}

	kind := EventToolResult
	if result.IsError {
		kind = EventToolError
	}
	r.emit(ctx, events, Event{Kind: kind, Step: step, ToolID: toolID, CallID: call.ID, Output: result.Output})
	return result
}

// modelError 为未分类的模型调用错误补充错误码，超时单独归类为 TIMEOUT。
func modelError(err error) error {
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "模型调用超时")
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "模型调用失败")
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "agent 运行超时")
	}
	return err
}
