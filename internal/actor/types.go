package actor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Relay/internal/errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 以下请求头由网关在转发时写入。
const (
	// HeaderUserID 携带已验证的用户 id。
	HeaderUserID = "X-Relay-User-ID"
	// HeaderRole 携带路由令牌中的成员角色，viewer 只能读取。
	HeaderRole = "X-Relay-Role"
	// HeaderCallerToken 是网关为独立部署的 actor 服务签发的调用方令牌，绑定 method 与 path。
	HeaderCallerToken = "X-Relay-Caller-Token"
)

// ErrReadOnly 表示调用方角色不允许发消息。
var ErrReadOnly = xerrors.New(xerrors.CodeForbidden, "role may not post")

// CodeNotInitialized 表示 actor 尚未收到会话密钥。
const CodeNotInitialized xerrors.Code = "ACTOR_NOT_INITIALIZED"

func init() {
	xerrors.Register(CodeNotInitialized, xerrors.Attributes{
		Message:  "group actor is not initialized",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusConflict,
	})
}

var (
	// ErrNotInitialized 在 actor 没有会话时返回。
	ErrNotInitialized = xerrors.New(CodeNotInitialized, "group actor is not initialized")
	// ErrDuplicateMessage 表示 message_id 已存在。
	ErrDuplicateMessage = xerrors.New(xerrors.CodeConflict, "message id already exists")
)

// actorNamespace 是由 group id 推导 actor id 的 UUIDv5 命名空间。
var actorNamespace = uuid.MustParse("6f1d3c52-8a4e-5b7f-9c2d-4e8a1b3f5d70")

// IDForGroup 返回群组对应的确定性 actor id。
func IDForGroup(groupID string) string {
	return uuid.NewSHA1(actorNamespace, []byte(groupID)).String()
}

// Message 是群组日志中的一条消息，写入后不再修改。
type Message struct {
	ID        string    `json:"message_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	UserID    string    `json:"user_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session 是 actor 持久化的会话材料。PrivateKey 为 base64url 编码。
type Session struct {
	GroupID     string    `json:"group_id"`
	OrgID       string    `json:"org_id,omitempty"`
	PrivateKey  string    `json:"session_private_key"`
	Certificate string    `json:"session_certificate"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InitRequest 是 /init 的请求体。
type InitRequest struct {
	SessionPrivateKey  string `json:"session_private_key"`
	SessionCertificate string `json:"session_certificate"`
	OrgID              string `json:"org_id,omitempty"`
}

// RuntimeRef 指向一个可调用的 agent runtime，只在单次投递中使用。
type RuntimeRef struct {
	AgentID   string `json:"agent_id"`
	RuntimeID string `json:"runtime_id"`
	BaseURL   string `json:"base_url"`
}

// PostRequest 是发送消息的请求体。
type PostRequest struct {
	MessageID     string       `json:"message_id,omitempty"`
	Text          string       `json:"text"`
	UserID        string       `json:"-"`
	AgentRuntimes []RuntimeRef `json:"agent_runtimes,omitempty"`
}

func (r PostRequest) validate() error {
	if r.Text == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "text is required")
	}
	for i, ref := range r.AgentRuntimes {
		if ref.AgentID == "" || ref.BaseURL == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "agent_runtimes entry requires agent_id and base_url",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
	}
	return nil
}

// PostResult 是发送消息的结果。Skipped 列出未能产生回复的 runtime。
type PostResult struct {
	MessageID     string    `json:"message_id"`
	AgentMessages []Message `json:"agent_messages"`
	Skipped       []Outcome `json:"skipped"`
}
