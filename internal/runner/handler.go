package runner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"OpenMCP-Relay/internal/actor"
	"OpenMCP-Relay/internal/api"
	"OpenMCP-Relay/internal/audit"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
)

// RunRequest 是 POST /agents/run 的请求体。
type RunRequest struct {
	RuntimeID string `json:"runtime_id"`
	Prompt    string `json:"prompt"`
}

// RunResponse 是执行完成后的回复。
type RunResponse struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Handler 返回 runner 的 HTTP 路由。
func (r *Runner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /agents/run", r.metrics.Instrument("agents_run", http.HandlerFunc(r.handleRun)))
	mux.Handle("GET /healthz", api.Healthz())
	mux.Handle("GET /metrics", r.metrics.Handler())
	return mux
}

func (r *Runner) handleRun(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	claims, err := r.Authorize(ctx, req.Header.Get(actor.HeaderSessionCertificate), bearerToken(req.Header.Get("Authorization")))
	if err != nil {
		r.log.Warn("agent 调用鉴权失败", "remote", req.RemoteAddr, "error", err)
		if code := xerrors.CodeOf(err); code == xerrors.CodeUnauthorized || code == xerrors.CodeForbidden {
			r.audit.Record(ctx, audit.Event{
				Type:    audit.EventAccessDenied,
				Subject: req.Method + " " + req.URL.Path,
				Outcome: string(code),
			})
		}
		api.WriteError(w, err)
		return
	}
	ctx = trustchain.WithAgentAccessClaims(ctx, claims)

	var body RunRequest
	if err := api.DecodeJSON(req, &body); err != nil {
		api.WriteError(w, err)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		api.WriteError(w, xerrors.New(xerrors.CodeInvalidArgument, "prompt is required"))
		return
	}

	r.audit.Record(ctx, audit.Event{
		Type:    audit.EventAgentRunAuthorized,
		OrgID:   claims.OrgID,
		GroupID: claims.GroupID,
		Subject: claims.AgentID,
		Outcome: "allowed",
		Detail:  map[string]string{"runtime_id": body.RuntimeID, "jti": claims.ID},
	})

	events, err := r.Run(ctx, Job{
		AgentID:   claims.AgentID,
		GroupID:   claims.GroupID,
		OrgID:     claims.OrgID,
		RuntimeID: body.RuntimeID,
		Prompt:    body.Prompt,
	})
	if err != nil {
		r.log.Warn("agent 执行准备失败", "agent_id", claims.AgentID, "error", err)
		api.WriteError(w, err)
		return
	}

	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		r.stream(w, events)
		return
	}

	final, _ := Collect(events)
	if final.Err != nil {
		r.log.Warn("agent 执行失败", "agent_id", claims.AgentID, "group_id", claims.GroupID, "error", final.Err)
		api.WriteError(w, final.Err)
		return
	}
	api.WriteJSON(w, http.StatusOK, RunResponse{Role: actor.RoleAssistant, Text: final.Text})
}

// stream 以 SSE 推送执行事件，final 事件携带回复或错误。
func (r *Runner) stream(w http.ResponseWriter, events <-chan Event) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		payload := map[string]any{"event": ev}
		if ev.Kind == EventFinal && ev.Err != nil {
			payload["error"] = api.ErrorBody{Error: xerrors.PublicMessage(ev.Err), Code: string(xerrors.CodeOf(ev.Err))}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, encoded)
		if flusher != nil {
			flusher.Flush()
		}
	}
}
