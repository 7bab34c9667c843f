package trustchain

import (
	"crypto/ed25519"
	"time"
)

// Membership roles carried by routing tokens.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// DefaultRoutingTTL 是路由令牌的默认有效期。
const DefaultRoutingTTL = 5 * time.Minute

// RoutingClaims 是客户端访问某个群组的能力。
type RoutingClaims struct {
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti"`
}

func (c *RoutingClaims) validate() error {
	if c.ExpiresAt == 0 {
		return ErrMalformedToken
	}
	return required(c.UserID, c.GroupID, c.Role, c.ID)
}

// CanPost 判断角色是否允许发消息。viewer 只能读取。
func (c *RoutingClaims) CanPost() bool {
	return c != nil && c.Role != RoleViewer
}

// IssueRoutingToken 签发路由令牌，ttl 非正数时使用默认值。
func IssueRoutingToken(orchestrator ed25519.PrivateKey, userID, groupID, role string, ttl time.Duration) (string, *RoutingClaims, error) {
	return IssueRoutingTokenAt(orchestrator, userID, groupID, role, ttl, time.Now())
}

// IssueRoutingTokenAt is IssueRoutingToken with an explicit clock.
func IssueRoutingTokenAt(orchestrator ed25519.PrivateKey, userID, groupID, role string, ttl time.Duration, now time.Time) (string, *RoutingClaims, error) {
	if err := required(userID, groupID); err != nil {
		return "", nil, err
	}
	if ttl <= 0 {
		ttl = DefaultRoutingTTL
	}
	if role == "" {
		role = RoleMember
	}
	claims := &RoutingClaims{
		UserID:    userID,
		GroupID:   groupID,
		Role:      role,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		ID:        newJTI(),
	}
	token, err := encodeToken(orchestrator, claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// VerifyRoutingToken 校验签名、过期时间以及 group_id 是否匹配。
func VerifyRoutingToken(orchestrator ed25519.PublicKey, token, groupID string) (*RoutingClaims, error) {
	return VerifyRoutingTokenAt(orchestrator, token, groupID, time.Now())
}

// VerifyRoutingTokenAt is VerifyRoutingToken with an explicit clock.
func VerifyRoutingTokenAt(orchestrator ed25519.PublicKey, token, groupID string, now time.Time) (*RoutingClaims, error) {
	var c RoutingClaims
	if err := decodeToken(orchestrator, token, &c); err != nil {
		return nil, err
	}
	if err := checkExpiry(c.ExpiresAt, now); err != nil {
		return nil, err
	}
	if c.GroupID != groupID {
		return nil, ErrClaimMismatch
	}
	return &c, nil
}
