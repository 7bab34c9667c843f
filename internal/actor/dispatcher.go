package actor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

// HeaderSessionCertificate 携带签发 agent 访问令牌的会话证书。
const HeaderSessionCertificate = "X-Session-Certificate"

// Skip reasons recorded in Outcome.Reason.
const (
	ReasonDelivered       = "delivered"
	ReasonTokenFailure    = "token_failure"
	ReasonTransport       = "transport_error"
	ReasonHTTPStatus      = "http_status"
	ReasonInvalidResponse = "invalid_response"
	ReasonStorage         = "storage_error"
)

// Outcome 是单个 runtime 的投递结果。
type Outcome struct {
	AgentID    string `json:"agent_id"`
	RuntimeID  string `json:"runtime_id"`
	Delivered  bool   `json:"delivered"`
	Reason     string `json:"reason"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DispatchReport 汇总一次消息投递的所有结果。
type DispatchReport struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r *DispatchReport) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Skipped 返回未投递成功的结果，从不返回 nil。
func (r DispatchReport) Skipped() []Outcome {
	out := []Outcome{}
	for _, o := range r.Outcomes {
		if !o.Delivered {
			out = append(out, o)
		}
	}
	return out
}

// DispatchError 描述一次失败的 runtime 调用。
type DispatchError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// DispatcherOptions 配置 Dispatcher。
type DispatcherOptions struct {
	Client    *http.Client
	AccessTTL time.Duration
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Dispatcher 以会话私钥签发访问令牌并调用 agent runtime。
type Dispatcher struct {
	client  *http.Client
	ttl     time.Duration
	metrics *metrics.Registry
	log     *slog.Logger
	now     func() time.Time
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = trustchain.DefaultAgentAccessTTL
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("actor.dispatch")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Dispatcher{client: opts.Client, ttl: opts.AccessTTL, metrics: opts.Metrics, log: opts.Logger, now: opts.Clock}
}

// activeSession 是解码后的会话。
type activeSession struct {
	groupID     string
	orgID       string
	private     ed25519.PrivateKey
	certificate string
}

type runRequest struct {
	RuntimeID string `json:"runtime_id"`
	Prompt    string `json:"prompt"`
}

type runReply struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Call 调用一个 runtime 并返回其回复，失败时返回 *DispatchError。
func (d *Dispatcher) Call(ctx context.Context, s *activeSession, ref RuntimeRef, prompt string) (Message, error) {
	token, err := trustchain.IssueAgentAccessTokenAt(s.private, ref.AgentID, s.groupID, s.orgID, d.ttl, d.now())
	if err != nil {
		return Message{}, &DispatchError{Reason: ReasonTokenFailure, Err: err}
	}
	body, err := json.Marshal(runRequest{RuntimeID: ref.RuntimeID, Prompt: prompt})
	if err != nil {
		return Message{}, &DispatchError{Reason: ReasonInvalidResponse, Err: err}
	}

	endpoint := strings.TrimRight(ref.BaseURL, "/") + "/agents/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Message{}, &DispatchError{Reason: ReasonTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderSessionCertificate, s.certificate)

	resp, err := d.client.Do(req)
	if err != nil {
		return Message{}, &DispatchError{Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Message{}, &DispatchError{
			Reason:     ReasonHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("runtime 返回非 2xx: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var reply runReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&reply); err != nil {
		return Message{}, &DispatchError{Reason: ReasonInvalidResponse, StatusCode: resp.StatusCode, Err: err}
	}
	if reply.Role == "" {
		reply.Role = RoleAssistant
	}
	return Message{Role: reply.Role, Text: reply.Text, AgentID: ref.AgentID}, nil
}

func (d *Dispatcher) record(ref RuntimeRef, err error) Outcome {
	o := Outcome{AgentID: ref.AgentID, RuntimeID: ref.RuntimeID}
	if err == nil {
		o.Delivered = true
		o.Reason = ReasonDelivered
		d.metrics.Dispatch(metrics.OutcomeSuccess)
		return o
	}
	o.Reason = ReasonTransport
	o.Error = err.Error()
	if de, ok := err.(*DispatchError); ok {
		o.Reason = de.Reason
		o.StatusCode = de.StatusCode
	}
	d.metrics.Dispatch(metrics.OutcomeFailure)
	d.log.Warn("agent runtime 调用失败，已跳过",
		"agent_id", ref.AgentID,
		"runtime_id", ref.RuntimeID,
		"reason", o.Reason,
		"status", o.StatusCode,
		"error", err,
	)
	return o
}
