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
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"OpenMCP-Relay/internal/api"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

// callerSubject 是网关签发调用方令牌时使用的主体名。
const callerSubject = "gateway"

// RemoteHost 将 actor 请求转发到独立部署的 actor 服务。
// 每个转发的请求都附带以 signer 签发、绑定 method 与 path 的调用方令牌。
type RemoteHost struct {
	base   *url.URL
	proxy  *httputil.ReverseProxy
	client *http.Client
	signer ed25519.PrivateKey
	log    *slog.Logger
}

// NewRemoteHost 创建指向 baseURL 的远程 Host。signer 通常是编排器签名私钥。
func NewRemoteHost(baseURL string, signer ed25519.PrivateKey, client *http.Client) (*RemoteHost, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("invalid actor host url %q", baseURL))
	}
	if len(signer) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "remote actor host requires the orchestrator signing key")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	h := &RemoteHost{base: u, client: client, signer: signer, log: logger.Named("actor.remote")}
	log := h.log
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Header.Del(HeaderCallerToken)
			if err := h.sign(pr.Out); err != nil {
				// 不带令牌转发，由 actor 服务拒绝。
				log.Error("签发 actor 调用方令牌失败", "path", pr.Out.URL.Path, "error", err)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn("转发到 actor 服务失败", "path", r.URL.Path, "error", err)
			api.WriteError(w, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "actor host unavailable"))
		},
	}
	h.proxy = proxy
	return h, nil
}

func (h *RemoteHost) sign(r *http.Request) error {
	token, err := trustchain.IssueInfraToken(h.signer, r.Method, r.URL.Path, "", callerSubject, 0)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderCallerToken, token)
	return nil
}

// ServeHTTP 实现 http.Handler，支持 WebSocket 升级透传。
func (h *RemoteHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeHTTP(w, r)
}

// InitActor 调用远端 /init。
func (h *RemoteHost) InitActor(ctx context.Context, actorID string, req InitRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode init request")
	}
	endpoint := h.base.String() + "/actors/" + url.PathEscape(actorID) + "/init"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "build init request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := h.sign(httpReq); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "sign actor call")
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "actor host unavailable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeRemoteError(resp)
}

func decodeRemoteError(resp *http.Response) error {
	var body api.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Code != "" {
		return xerrors.New(xerrors.Code(body.Code), body.Error)
	}
	return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("actor host returned %d", resp.StatusCode))
}
