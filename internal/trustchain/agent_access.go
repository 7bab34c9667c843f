package trustchain

import (
	"crypto/ed25519"
	"time"
)

// ScopeAgentInvoke 是 agent 访问令牌唯一允许的 scope。
const ScopeAgentInvoke = "agent:invoke"

// DefaultAgentAccessTTL 是 agent 访问令牌的默认有效期。
const DefaultAgentAccessTTL = time.Minute

// AgentAccessClaims 允许持有者以某个群组的名义调用一个 agent。
type AgentAccessClaims struct {
	AgentID   string `json:"agent_id"`
	GroupID   string `json:"group_id"`
	OrgID     string `json:"org_id"`
	Scope     string `json:"scope"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti"`
}

func (c *AgentAccessClaims) validate() error {
	if c.ExpiresAt == 0 {
		return ErrMalformedToken
	}
	return required(c.AgentID, c.GroupID, c.Scope, c.ID)
}

// AgentAccessExpectation 是校验时可选的精确匹配条件，空字段不检查。
type AgentAccessExpectation struct {
	GroupID string
	AgentID string
}

// IssueAgentAccessToken 使用会话私钥签发令牌。
func IssueAgentAccessToken(session ed25519.PrivateKey, agentID, groupID, orgID string, ttl time.Duration) (string, error) {
	return IssueAgentAccessTokenAt(session, agentID, groupID, orgID, ttl, time.Now())
}

// IssueAgentAccessTokenAt is IssueAgentAccessToken with an explicit clock.
func IssueAgentAccessTokenAt(session ed25519.PrivateKey, agentID, groupID, orgID string, ttl time.Duration, now time.Time) (string, error) {
	if err := required(agentID, groupID); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultAgentAccessTTL
	}
	return encodeToken(session, AgentAccessClaims{
		AgentID:   agentID,
		GroupID:   groupID,
		OrgID:     orgID,
		Scope:     ScopeAgentInvoke,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		ID:        newJTI(),
	})
}

// VerifyAgentAccessToken 使用经证书认证的会话公钥校验令牌。
func VerifyAgentAccessToken(session ed25519.PublicKey, token string, expect AgentAccessExpectation) (*AgentAccessClaims, error) {
	return VerifyAgentAccessTokenAt(session, token, expect, time.Now())
}

// VerifyAgentAccessTokenAt is VerifyAgentAccessToken with an explicit clock.
func VerifyAgentAccessTokenAt(session ed25519.PublicKey, token string, expect AgentAccessExpectation, now time.Time) (*AgentAccessClaims, error) {
	var c AgentAccessClaims
	if err := decodeToken(session, token, &c); err != nil {
		return nil, err
	}
	if err := checkExpiry(c.ExpiresAt, now); err != nil {
		return nil, err
	}
	if c.Scope != ScopeAgentInvoke {
		return nil, ErrClaimMismatch
	}
	if expect.GroupID != "" && c.GroupID != expect.GroupID {
		return nil, ErrClaimMismatch
	}
	if expect.AgentID != "" && c.AgentID != expect.AgentID {
		return nil, ErrClaimMismatch
	}
	return &c, nil
}
