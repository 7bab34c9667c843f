package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/pkg/logger"
)

// maxBodyBytes 限制 JSON 请求体大小。
const maxBodyBytes = 1 << 20

// Server 在给定地址上运行一个 http.Handler，直到上下文取消。
type Server struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// NewServer 构造服务实例。
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &Server{addr: addr, handler: handler, shutdownTimeout: shutdownTimeout, log: logger.Named("http")}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.log.Info("HTTP 服务已关闭", "addr", s.addr)
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// WriteJSON 以 JSON 写出响应体。
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorBody 是统一的错误响应。
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteError 将错误映射为状态码与通用错误体。鉴权失败不会回显具体原因。
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, xerrors.HTTPStatus(err), ErrorBody{
		Error: xerrors.PublicMessage(err),
		Code:  string(xerrors.CodeOf(err)),
	})
}

// DecodeJSON 读取并解析请求体，格式错误时返回 INVALID_ARGUMENT。
func DecodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("请求体解析失败: %v", err))
	}
	return nil
}

// RequireMethod 在方法不匹配时写出 405 并返回 false。
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "仅支持 "+method, http.StatusMethodNotAllowed)
	return false
}

// Healthz 返回存活探针处理器。
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
