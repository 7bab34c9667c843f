package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Relay/pkg/logger"
)

// Audit event types.
const (
	EventGroupActivated      = "group.activated"
	EventRoutingTokenIssued  = "routing_token.issued"
	EventAccessDenied        = "access.denied"
	EventAgentRunAuthorized  = "agent_run.authorized"
	EventAgentDispatchFailed = "agent_dispatch.skipped"
)

// Event 是一条审计记录。
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OrgID      string            `json:"org_id,omitempty"`
	GroupID    string            `json:"group_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink 接收审计事件，例如 MySQL 表或 RabbitMQ exchange。
type Sink interface {
	Name() string
	Record(ctx context.Context, event Event) error
}

// Recorder 将事件写入审计日志并广播给所有 sink。sink 失败只记录日志，不影响请求。
type Recorder struct {
	sinks map[string]Sink
	log   *slog.Logger
	warn  *slog.Logger
	now   func() time.Time
}

// NewRecorder 创建 Recorder。
func NewRecorder(sinks ...Sink) *Recorder {
	set := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		set[s.Name()] = s
	}
	return &Recorder{sinks: set, log: logger.Audit(), warn: logger.Named("audit"), now: time.Now}
}

// WithLogger 替换审计日志输出，测试中使用。
func (r *Recorder) WithLogger(l *slog.Logger) *Recorder {
	r.log = l
	r.warn = l
	return r
}

// Record 补全 ID 与时间后投递事件，返回各 sink 的错误汇总。
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}

	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("org_id", event.OrgID),
		slog.String("group_id", event.GroupID),
		slog.String("user_id", event.UserID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Detail {
		attrs = append(attrs, slog.String(k, v))
	}
	r.log.InfoContext(ctx, event.Type, attrs...)

	var errs []error
	for name, sink := range r.sinks {
		if err := sink.Record(ctx, event); err != nil {
			r.warn.Warn("审计事件投递失败", "sink", name, "event", event.Type, "error", err)
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// MemorySink 在内存中保存事件，用于测试与单机调试。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink 创建内存 sink。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name 实现 Sink。
func (m *MemorySink) Name() string { return "memory" }

// Record 实现 Sink。
func (m *MemorySink) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types 返回按顺序记录的事件类型。
func (m *MemorySink) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}
