package actor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"OpenMCP-Relay/internal/api"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
)

const wsWriteTimeout = 10 * time.Second

// Frame types on the actor stream.
const (
	FrameHistory    = "history"
	FrameMessage    = "message"
	FramePost       = "post"
	FramePostResult = "post_result"
	FrameError      = "error"
)

// Frame 是服务端推送的 WebSocket 帧。
type Frame struct {
	Type     string      `json:"type"`
	Messages []Message   `json:"messages,omitempty"`
	Message  *Message    `json:"message,omitempty"`
	Result   *PostResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
	Code     string      `json:"code,omitempty"`
}

type inboundFrame struct {
	Type string `json:"type"`
	PostRequest
}

func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "需要 WebSocket 升级", http.StatusUpgradeRequired)
		return
	}
	a, ok := h.actorFor(w, r)
	if !ok {
		return
	}
	sub, err := a.Subscribe(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket 升级失败", "actor_id", a.ID(), "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	userID := r.Header.Get(HeaderUserID)
	role := r.Header.Get(HeaderRole)

	out := make(chan Frame, 8)
	go func() {
		defer cancel()
		for {
			var in inboundFrame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			frame := a.handleFrame(ctx, in, userID, role)
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	write := func(f Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f) == nil
	}
	if !write(Frame{Type: FrameHistory, Messages: sub.History}) {
		return
	}
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if !write(Frame{Type: FrameMessage, Message: &msg}) {
				return
			}
		case f := <-out:
			if !write(f) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) handleFrame(ctx context.Context, in inboundFrame, userID, role string) Frame {
	if in.Type != FramePost {
		return errorFrame(xerrors.New(xerrors.CodeInvalidArgument, "unsupported frame type"))
	}
	if !canPost(role) {
		a.log.Warn("只读角色尝试通过 WebSocket 发消息", "user_id", userID)
		return errorFrame(ErrReadOnly)
	}
	req := in.PostRequest
	req.UserID = userID
	result, err := a.Post(ctx, req)
	if err != nil {
		return errorFrame(err)
	}
	return Frame{Type: FramePostResult, Result: result}
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: xerrors.PublicMessage(err), Code: string(xerrors.CodeOf(err))}
}

// canPost 与路由令牌的 CanPost 一致：只有 viewer 被拒绝。
func canPost(role string) bool {
	return role != trustchain.RoleViewer
}
