package gateway

import (
	"net/http"
	"net/url"

	"OpenMCP-Relay/internal/actor"
	"OpenMCP-Relay/internal/api"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
)

// HeaderRoutingToken 携带客户端的路由令牌，也可以通过 token 查询参数传递。
const HeaderRoutingToken = "X-Routing-Token"

// HeaderInfraToken 携带调用方应用签发的 infra 令牌。
const HeaderInfraToken = "X-Infra-Token"

// Handler 返回网关的全部 HTTP 路由。
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /infra/groups", s.metrics.Instrument("infra_groups", s.requireInfra(http.HandlerFunc(s.handleActivate))))
	mux.Handle("POST /infra/routing-token", s.metrics.Instrument("infra_routing_token", s.requireInfra(http.HandlerFunc(s.handleRoutingToken))))
	mux.Handle("GET /groups/{id}/ws", s.metrics.Instrument("group_ws", s.route("ws", false)))
	mux.Handle("GET /groups/{id}/history", s.metrics.Instrument("group_history", s.route("messages", false)))
	mux.Handle("POST /groups/{id}/messages", s.metrics.Instrument("group_post", s.route("messages", true)))
	mux.Handle("GET /healthz", api.Healthz())
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

type infraClaimsKey struct{}

// requireInfra 在配置了应用公钥时要求 X-Infra-Token 绑定当前 method 与 path。
func (s *Service) requireInfra(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.infraKeys.Empty() {
			next.ServeHTTP(w, r)
			return
		}
		app, claims, err := s.infraKeys.VerifyAt(r.Header.Get(HeaderInfraToken), r.Method, r.URL.Path, s.now())
		s.metrics.TokenVerification("infra", err)
		if err != nil {
			err = trustchain.Classify(err)
			s.denied(r.Context(), r, "", "", err)
			api.WriteError(w, err)
			return
		}
		s.log.Debug("infra 调用已认证", "app", app, "sub", claims.Subject, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(withInfraClaims(r.Context(), claims)))
	})
}

type activateRequest struct {
	GroupID string `json:"group_id"`
	OrgID   string `json:"org_id"`
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if claims := infraClaimsFrom(r.Context()); claims != nil && claims.OrgID != "" && claims.OrgID != req.OrgID {
		err := xerrors.New(xerrors.CodeForbidden, "")
		s.denied(r.Context(), r, req.GroupID, claims.Subject, err)
		api.WriteError(w, err)
		return
	}
	activation, err := s.ActivateGroup(r.Context(), req.GroupID, req.OrgID)
	if err != nil {
		s.log.Warn("群组激活失败", "group_id", req.GroupID, "error", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, activation)
}

type routingTokenRequest struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

func (s *Service) handleRoutingToken(w http.ResponseWriter, r *http.Request) {
	var req routingTokenRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	token, err := s.IssueRoutingToken(r.Context(), req.GroupID, req.UserID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, token)
}

// route 校验路由令牌后把请求转发给 actor 的内部路由。
func (s *Service) route(target string, write bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		groupID := r.PathValue("id")
		token := r.Header.Get(HeaderRoutingToken)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		claims, err := s.VerifyRouting(token, groupID)
		if err != nil {
			s.denied(ctx, r, groupID, "", err)
			api.WriteError(w, err)
			return
		}
		if write && !claims.CanPost() {
			err := xerrors.New(xerrors.CodeForbidden, "")
			s.denied(ctx, r, groupID, claims.UserID, err)
			api.WriteError(w, err)
			return
		}
		session, err := s.sessions.LoadGroupSession(ctx, groupID)
		if err != nil {
			api.WriteError(w, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取群组会话失败"))
			return
		}
		if session == nil {
			api.WriteError(w, xerrors.New(xerrors.CodeNotFound, "group is not activated"))
			return
		}
		if s.actors == nil {
			api.WriteError(w, xerrors.New(xerrors.CodeConfiguration, "actor backend is not configured"))
			return
		}

		out := r.Clone(trustchain.WithRoutingClaims(ctx, claims))
		out.URL.Path = "/actors/" + url.PathEscape(session.ActorID) + "/" + target
		out.URL.RawPath = ""
		query := out.URL.Query()
		query.Del("token")
		out.URL.RawQuery = query.Encode()
		out.RequestURI = ""
		out.Header.Del(HeaderRoutingToken)
		out.Header.Set(actor.HeaderUserID, claims.UserID)
		out.Header.Set(actor.HeaderRole, claims.Role)
		out.Header.Del(actor.HeaderCallerToken)
		s.actors.ServeHTTP(w, out)
	})
}
