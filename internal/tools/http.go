package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// HTTP tool result statuses.
const (
	StatusOK               = "ok"
	StatusError            = "error"
	StatusMethodNotAllowed = "method_not_allowed"
	StatusApprovalRequired = "approval_required"
	StatusURLNotAllowed    = "url_not_allowed"
	StatusInvalidArguments = "invalid_arguments"
)

const (
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultMaxResponse  = 20000
	defaultUserAgent    = "openmcp-relay-http-tool"
	maxRequestBodyBytes = 1 << 20
)

var httpToolParameters = json.RawMessage(`{"type":"object","properties":{` +
	`"method":{"type":"string","description":"HTTP method, defaults to GET"},` +
	`"path":{"type":"string","description":"path relative to the configured base URL"},` +
	`"query":{"type":"object","additionalProperties":{"type":"string"}},` +
	`"headers":{"type":"object","additionalProperties":{"type":"string"}},` +
	`"body":{"description":"request body; objects are sent as JSON"}},"required":["path"]}`)

// HTTPPolicy 是单个 HTTP 工具的调用策略，来自工具配置。
type HTTPPolicy struct {
	BaseURL        string
	AllowedMethods []string
	AutoApprove    bool
	Headers        map[string]string
	Timeout        time.Duration
	MaxChars       int
}

// HTTPArgs 是模型传入的调用参数。
type HTTPArgs struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	URL     string            `json:"url"`
	Query   map[string]string `json:"query"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// HTTPResult 是 HTTP 工具的结构化结果，失败同样以结果返回而不是错误。
type HTTPResult struct {
	Status     string `json:"status"`
	Method     string `json:"method,omitempty"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Truncated  bool   `json:"truncated"`
	Error      string `json:"error,omitempty"`
}

// OK 表示请求已执行且上游返回 2xx。
func (r HTTPResult) OK() bool {
	return r.Status == StatusOK
}

// ParseHTTPPolicy 从工具配置构造策略，defaults 提供超时与截断上限。
func ParseHTTPPolicy(config map[string]any, defaults HTTPPolicy) (HTTPPolicy, error) {
	p := defaults
	p.Headers = nil
	base, _ := config["base_url"].(string)
	if strings.TrimSpace(base) == "" {
		return p, errors.New("http tool requires base_url")
	}
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return p, fmt.Errorf("invalid base_url %q", base)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return p, fmt.Errorf("unsupported base_url scheme %q", parsed.Scheme)
	}
	p.BaseURL = strings.TrimRight(parsed.String(), "/")

	p.AllowedMethods = nil
	switch v := config["allowed_methods"].(type) {
	case []any:
		for _, m := range v {
			if s, ok := m.(string); ok {
				p.AllowedMethods = append(p.AllowedMethods, strings.ToUpper(strings.TrimSpace(s)))
			}
		}
	case []string:
		for _, s := range v {
			p.AllowedMethods = append(p.AllowedMethods, strings.ToUpper(strings.TrimSpace(s)))
		}
	}
	if len(p.AllowedMethods) == 0 {
		p.AllowedMethods = []string{http.MethodGet}
	}
	p.AutoApprove, _ = config["auto_approve"].(bool)

	if h, ok := config["headers"].(map[string]any); ok {
		p.Headers = make(map[string]string, len(h))
		for k, v := range h {
			p.Headers[k] = fmt.Sprint(v)
		}
	}
	if n, ok := number(config["timeout_seconds"]); ok && n > 0 {
		p.Timeout = time.Duration(n * float64(time.Second))
	}
	if n, ok := number(config["max_response_chars"]); ok && n > 0 {
		p.MaxChars = int(n)
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultHTTPTimeout
	}
	if p.MaxChars <= 0 {
		p.MaxChars = DefaultMaxResponse
	}
	return p, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// ResolveURL 把参数解析为 base URL 下的地址。绝对地址只有与 base 完全一致时才允许。
func (p HTTPPolicy) ResolveURL(args HTTPArgs) (string, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(args.URL)
	if target == "" {
		target = strings.TrimSpace(args.Path)
	}

	var resolved *url.URL
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		if strings.TrimRight(u.String(), "/") != p.BaseURL {
			return "", fmt.Errorf("absolute url %q is not the configured base", target)
		}
		resolved = u
	} else {
		rel, err := url.Parse(strings.TrimLeft(target, "/"))
		if err != nil {
			return "", fmt.Errorf("invalid path %q", target)
		}
		if rel.Host != "" || rel.Scheme != "" {
			return "", fmt.Errorf("path %q must be relative", target)
		}
		if err := checkPathSegments(rel); err != nil {
			return "", fmt.Errorf("path %q: %w", target, err)
		}
		dir := *base
		dir.Path = strings.TrimRight(base.Path, "/") + "/"
		resolved = dir.ResolveReference(rel)
		if resolved.Host != base.Host || (!strings.HasPrefix(resolved.Path, dir.Path) && resolved.Path != base.Path) {
			return "", fmt.Errorf("path %q escapes the base url", target)
		}
	}

	if len(args.Query) > 0 {
		q := resolved.Query()
		for k, v := range args.Query {
			q.Set(k, v)
		}
		resolved.RawQuery = q.Encode()
	}
	return resolved.String(), nil
}

// checkPathSegments 拒绝解码后含 .. 段或编码分隔符的路径。
// ResolveReference 不识别 %2e%2e 之类的编码写法。
func checkPathSegments(rel *url.URL) error {
	escaped := strings.ToLower(rel.EscapedPath())
	if strings.Contains(escaped, "%2f") || strings.Contains(escaped, "%5c") {
		return errors.New("encoded path separator is not allowed")
	}
	decoded, err := url.PathUnescape(rel.EscapedPath())
	if err != nil {
		return err
	}
	for _, seg := range strings.FieldsFunc(decoded, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return errors.New("dot-dot segment is not allowed")
		}
	}
	return nil
}

// HTTPTool 执行受策略约束的 HTTP 请求。
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool 创建 HTTP 工具执行器，client 为空时使用默认 client。超时由策略通过 context 控制。
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTool{client: client}
}

// Do 按策略执行一次调用。方法不在白名单或需要审批时不会发起网络请求。
func (h *HTTPTool) Do(ctx context.Context, p HTTPPolicy, args HTTPArgs) HTTPResult {
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = http.MethodGet
	}
	res := HTTPResult{Method: method}

	allowed := false
	for _, m := range p.AllowedMethods {
		if m == method {
			allowed = true
			break
		}
	}
	if !allowed {
		res.Status = StatusMethodNotAllowed
		res.Error = fmt.Sprintf("method %s is not in %v", method, p.AllowedMethods)
		return res
	}
	if !idempotent(method) && !p.AutoApprove {
		res.Status = StatusApprovalRequired
		res.Error = fmt.Sprintf("method %s requires approval", method)
		return res
	}

	target, err := p.ResolveURL(args)
	if err != nil {
		res.Status = StatusURLNotAllowed
		res.Error = err.Error()
		return res
	}
	res.URL = target

	var body io.Reader
	contentType := ""
	if len(args.Body) > 0 && string(args.Body) != "null" {
		if len(args.Body) > maxRequestBodyBytes {
			res.Status = StatusInvalidArguments
			res.Error = "request body too large"
			return res
		}
		var s string
		if json.Unmarshal(args.Body, &s) == nil {
			body = strings.NewReader(s)
			contentType = "text/plain; charset=utf-8"
		} else {
			body = strings.NewReader(string(args.Body))
			contentType = "application/json"
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		res.Status = StatusInvalidArguments
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}
	// 配置中的头部优先，避免模型覆盖认证信息。
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	maxChars := p.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxResponse
	}
	res.Body, res.Truncated, err = readCapped(resp.Body, maxChars)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Status = StatusError
		res.Error = fmt.Sprintf("upstream returned %d", resp.StatusCode)
		return res
	}
	res.Status = StatusOK
	return res
}

// readCapped 最多读取 maxChars 个字符，超出部分丢弃并标记 truncated。
func readCapped(r io.Reader, maxChars int) (string, bool, error) {
	limit := int64(maxChars)*utf8.UTFMax + 1
	raw, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return "", false, err
	}
	truncated := int64(len(raw)) == limit
	text := strings.ToValidUTF8(string(raw), "\uFFFD")
	if utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = string(runes[:maxChars])
		truncated = true
	}
	return text, truncated, nil
}
