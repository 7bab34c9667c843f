package gateway

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"OpenMCP-Relay/internal/actor"
	"OpenMCP-Relay/internal/audit"
	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/observability/metrics"
	"OpenMCP-Relay/internal/trustchain"
	"OpenMCP-Relay/pkg/logger"
)

// MembershipLookup 查询用户在群组中的角色，没有记录时返回空字符串。
type MembershipLookup interface {
	MembershipRole(ctx context.Context, groupID, userID string) (string, error)
}

// ActorBackend 是 actor 服务的入口，进程内为 actor.Host，远程部署为 actor.RemoteHost。
type ActorBackend interface {
	http.Handler
	InitActor(ctx context.Context, actorID string, req actor.InitRequest) error
}

// Options 配置 Service。
type Options struct {
	SigningKey  ed25519.PrivateKey
	Sessions    SessionStore
	Memberships MembershipLookup
	Actors      ActorBackend
	Audit       *audit.Recorder
	InfraKeys   *trustchain.InfraKeyRing
	RoutingTTL  time.Duration
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Service 实现群组激活与路由令牌签发。
type Service struct {
	signingKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	sessions    SessionStore
	memberships MembershipLookup
	actors      ActorBackend
	audit       *audit.Recorder
	infraKeys   *trustchain.InfraKeyRing
	routingTTL  time.Duration
	metrics     *metrics.Registry
	log         *slog.Logger
	now         func() time.Time
}

// NewService 创建网关服务。SigningKey 为空时激活与签发均返回 FORBIDDEN。
func NewService(opts Options) *Service {
	if opts.Sessions == nil {
		opts.Sessions = NewMemorySessionStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("gateway")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewRecorder()
	}
	if opts.RoutingTTL <= 0 {
		opts.RoutingTTL = trustchain.DefaultRoutingTTL
	}
	s := &Service{
		signingKey:  opts.SigningKey,
		sessions:    opts.Sessions,
		memberships: opts.Memberships,
		actors:      opts.Actors,
		audit:       opts.Audit,
		infraKeys:   opts.InfraKeys,
		routingTTL:  opts.RoutingTTL,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		now:         opts.Clock,
	}
	if len(opts.SigningKey) == ed25519.PrivateKeySize {
		s.publicKey = trustchain.PublicOf(opts.SigningKey)
	}
	return s
}

// PublicKey 返回编排器公钥，未配置签名密钥时为 nil。
func (s *Service) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Activation 是群组激活的结果。
type Activation struct {
	ActorID            string `json:"actor_id"`
	SessionCertificate string `json:"session_certificate"`
}

// ActivateGroup 生成新的会话密钥对，签发证书，初始化 actor 并保存会话。
func (s *Service) ActivateGroup(ctx context.Context, groupID, orgID string) (*Activation, error) {
	if groupID == "" || orgID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "group_id and org_id are required")
	}
	if s.publicKey == nil {
		return nil, trustchain.Classify(trustchain.ErrSigningKeyUnconfigured)
	}
	if s.actors == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "actor backend is not configured")
	}

	kp, err := trustchain.GenerateKeyPair()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "generate session key")
	}
	now := s.now()
	cert, err := trustchain.IssueSessionCertificateAt(s.signingKey, groupID, kp.Public, now)
	if err != nil {
		return nil, trustchain.Classify(err)
	}
	actorID := actor.IDForGroup(groupID)

	previous, err := s.sessions.LoadGroupSession(ctx, groupID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取群组会话失败")
	}
	// 先持久化新公钥再推送私钥，保存失败时 actor 保持旧会话，与存储一致。
	if err := s.sessions.SaveGroupSession(ctx, GroupSession{
		GroupID:     groupID,
		OrgID:       orgID,
		ActorID:     actorID,
		PublicKey:   trustchain.EncodeKey(kp.Public),
		Certificate: cert,
		ActivatedAt: now.UTC(),
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存群组会话失败")
	}
	if err := s.actors.InitActor(ctx, actorID, actor.InitRequest{
		SessionPrivateKey:  trustchain.EncodeKey(kp.Private),
		SessionCertificate: cert,
		OrgID:              orgID,
	}); err != nil {
		if previous != nil {
			if rerr := s.sessions.SaveGroupSession(ctx, *previous); rerr != nil {
				s.log.Error("回滚群组会话失败", "group_id", groupID, "error", rerr)
			}
		}
		return nil, err
	}

	s.log.Info("群组已激活", "group_id", groupID, "org_id", orgID, "actor_id", actorID)
	_ = s.audit.Record(ctx, audit.Event{
		Type:    audit.EventGroupActivated,
		OrgID:   orgID,
		GroupID: groupID,
		ActorID: actorID,
		Outcome: metrics.OutcomeSuccess,
	})
	return &Activation{ActorID: actorID, SessionCertificate: cert}, nil
}

// RoutingToken 是签发给客户端的路由令牌。
type RoutingToken struct {
	Token     string `json:"routing_token"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"expires_at"`
}

// IssueRoutingToken 按成员角色签发路由令牌，没有成员记录时使用 member。
func (s *Service) IssueRoutingToken(ctx context.Context, groupID, userID string) (*RoutingToken, error) {
	if groupID == "" || userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "group_id and user_id are required")
	}
	if s.publicKey == nil {
		return nil, trustchain.Classify(trustchain.ErrSigningKeyUnconfigured)
	}
	role := trustchain.RoleMember
	if s.memberships != nil {
		found, err := s.memberships.MembershipRole(ctx, groupID, userID)
		if err != nil {
			return nil, err
		}
		switch found {
		case trustchain.RoleOwner, trustchain.RoleAdmin, trustchain.RoleMember, trustchain.RoleViewer:
			role = found
		case "":
		default:
			s.log.Warn("未知的成员角色，按 member 处理", "group_id", groupID, "user_id", userID, "role", found)
		}
	}
	token, claims, err := trustchain.IssueRoutingTokenAt(s.signingKey, userID, groupID, role, s.routingTTL, s.now())
	if err != nil {
		return nil, trustchain.Classify(err)
	}
	_ = s.audit.Record(ctx, audit.Event{
		Type:    audit.EventRoutingTokenIssued,
		GroupID: groupID,
		UserID:  userID,
		Outcome: metrics.OutcomeSuccess,
		Detail:  map[string]string{"role": role, "jti": claims.ID},
	})
	return &RoutingToken{Token: token, Role: role, ExpiresAt: claims.ExpiresAt}, nil
}

// VerifyRouting 校验路由令牌是否属于 groupID。
func (s *Service) VerifyRouting(token, groupID string) (*trustchain.RoutingClaims, error) {
	if s.publicKey == nil {
		return nil, trustchain.Classify(trustchain.ErrSigningKeyUnconfigured)
	}
	if token == "" {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "")
	}
	claims, err := trustchain.VerifyRoutingTokenAt(s.publicKey, token, groupID, s.now())
	s.metrics.TokenVerification("routing", err)
	if err != nil {
		return nil, trustchain.Classify(err)
	}
	return claims, nil
}

// denied 记录一次被拒绝的访问。
func (s *Service) denied(ctx context.Context, r *http.Request, groupID, userID string, err error) {
	status := xerrors.HTTPStatus(err)
	s.log.Warn("access_denied", "path", r.URL.Path, "method", r.Method, "status", status, "error", err)
	_ = s.audit.Record(ctx, audit.Event{
		Type:    audit.EventAccessDenied,
		GroupID: groupID,
		UserID:  userID,
		Subject: r.Method + " " + r.URL.Path,
		Outcome: metrics.OutcomeFailure,
		Detail:  map[string]string{"status": strconv.Itoa(status), "code": string(xerrors.CodeOf(err))},
	})
}
