package actor

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"OpenMCP-Relay/internal/api"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

// HostOptions 配置 Host。
type HostOptions struct {
	Store                 StateStore
	Dispatcher            *Dispatcher
	OrchestratorPublicKey ed25519.PublicKey
	// CallerKey 非空时，每个请求都必须携带由对应私钥签发的 HeaderCallerToken。
	// 独立部署（actors 角色）时设置为编排器公钥，进程内部署时留空。
	CallerKey             ed25519.PublicKey
	MailboxSize           int
	Logger                *slog.Logger
	Clock                 func() time.Time
}

// Host 按 id 懒加载 actor 并提供其 HTTP 接口。
type Host struct {
	store        StateStore
	dispatcher   *Dispatcher
	orchestrator ed25519.PublicKey
	callerKey    ed25519.PublicKey
	mailboxSize  int
	log          *slog.Logger
	now          func() time.Time
	upgrader     websocket.Upgrader
	mux          *http.ServeMux

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewHost 创建 Host 并执行存储的 Bootstrap。
func NewHost(ctx context.Context, opts HostOptions) (*Host, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStateStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("actor")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewDispatcher(DispatcherOptions{Logger: opts.Logger, Clock: opts.Clock})
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 32
	}
	if err := opts.Store.Bootstrap(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "actor 存储初始化失败")
	}
	h := &Host{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		orchestrator: opts.OrchestratorPublicKey,
		callerKey:    opts.CallerKey,
		mailboxSize:  opts.MailboxSize,
		log:          opts.Logger,
		now:          opts.Clock,
		actors:       make(map[string]*Actor),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 来源已由网关的路由令牌校验。
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /actors/{id}/init", h.handleInit)
	mux.HandleFunc("GET /actors/{id}/messages", h.handleList)
	mux.HandleFunc("POST /actors/{id}/messages", h.handlePost)
	mux.HandleFunc("GET /actors/{id}/ws", h.handleWS)
	h.mux = mux
	return h, nil
}

// Actor 返回 id 对应的 actor，不存在时创建。
func (h *Host) Actor(id string) (*Actor, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "actor id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrStopped
	}
	a, ok := h.actors[id]
	if !ok {
		a = newActor(id, h)
		h.actors[id] = a
	}
	return a, nil
}

// InitActor 初始化 actor 的会话。
func (h *Host) InitActor(ctx context.Context, actorID string, req InitRequest) error {
	a, err := h.Actor(actorID)
	if err != nil {
		return err
	}
	return a.Init(ctx, req)
}

// Close 停止所有 actor 的 mailbox。
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	actors := h.actors
	h.actors = make(map[string]*Actor)
	h.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
}

// ServeHTTP 实现 http.Handler。配置了 CallerKey 时先校验调用方令牌。
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(h.callerKey) > 0 {
		claims, err := trustchain.VerifyInfraTokenAt(h.callerKey, r.Header.Get(HeaderCallerToken), r.Method, r.URL.Path, h.now())
		if err != nil {
			h.log.Warn("拒绝未认证的 actor 调用", "method", r.Method, "path", r.URL.Path, "error", err)
			api.WriteError(w, trustchain.Classify(err))
			return
		}
		h.log.Debug("actor 调用方已认证", "sub", claims.Subject, "path", r.URL.Path)
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Host) actorFor(w http.ResponseWriter, r *http.Request) (*Actor, bool) {
	a, err := h.Actor(r.PathValue("id"))
	if err != nil {
		api.WriteError(w, err)
		return nil, false
	}
	return a, true
}

func (h *Host) handleInit(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req InitRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if err := a.Init(r.Context(), req); err != nil {
		h.log.Warn("actor 初始化被拒绝", "actor_id", a.ID(), "error", err)
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"actor_id": a.ID(), "status": "initialized"})
}

type listResponse struct {
	Messages []Message `json:"messages"`
}

func (h *Host) handleList(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	msgs, err := a.Messages(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, listResponse{Messages: msgs})
}

func (h *Host) handlePost(w http.ResponseWriter, r *http.Request) {
	a, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	var req PostRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}
	if !canPost(r.Header.Get(HeaderRole)) {
		api.WriteError(w, ErrReadOnly)
		return
	}
	req.UserID = r.Header.Get(HeaderUserID)
	result, err := a.Post(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, result)
}
