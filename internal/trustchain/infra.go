package trustchain

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultInfraTTL 是服务间令牌的默认有效期。
const DefaultInfraTTL = 30 * time.Second

// InfraClaims 把令牌绑定到一次具体的 method + path 调用。
type InfraClaims struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	OrgID     string `json:"org_id"`
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	ID        string `json:"jti"`
}

func (c *InfraClaims) validate() error {
	if c.ExpiresAt == 0 {
		return ErrMalformedToken
	}
	return required(c.Method, c.Path, c.Subject, c.ID)
}

// IssueInfraToken 由调用方使用自己的应用私钥签发。
func IssueInfraToken(app ed25519.PrivateKey, method, path, orgID, subject string, ttl time.Duration) (string, error) {
	return IssueInfraTokenAt(app, method, path, orgID, subject, ttl, time.Now())
}

// IssueInfraTokenAt is IssueInfraToken with an explicit clock.
func IssueInfraTokenAt(app ed25519.PrivateKey, method, path, orgID, subject string, ttl time.Duration, now time.Time) (string, error) {
	if err := required(method, path, subject); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = DefaultInfraTTL
	}
	return encodeToken(app, InfraClaims{
		Method:    strings.ToUpper(method),
		Path:      path,
		OrgID:     orgID,
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		ID:        newJTI(),
	})
}

// VerifyInfraToken 校验签名、过期时间以及 method/path 是否与当前请求一致。
func VerifyInfraToken(app ed25519.PublicKey, token, method, path string) (*InfraClaims, error) {
	return VerifyInfraTokenAt(app, token, method, path, time.Now())
}

// VerifyInfraTokenAt is VerifyInfraToken with an explicit clock.
func VerifyInfraTokenAt(app ed25519.PublicKey, token, method, path string, now time.Time) (*InfraClaims, error) {
	var c InfraClaims
	if err := decodeToken(app, token, &c); err != nil {
		return nil, err
	}
	if err := checkExpiry(c.ExpiresAt, now); err != nil {
		return nil, err
	}
	if !strings.EqualFold(c.Method, method) || c.Path != path {
		return nil, ErrClaimMismatch
	}
	return &c, nil
}

// InfraKeyRing 保存允许调用 infra 接口的应用公钥。
type InfraKeyRing struct {
	names []string
	keys  map[string]ed25519.PublicKey
}

// NewInfraKeyRing 从 {应用名: base64url 公钥} 构造 key ring。
func NewInfraKeyRing(encoded map[string]string) (*InfraKeyRing, error) {
	ring := &InfraKeyRing{keys: make(map[string]ed25519.PublicKey, len(encoded))}
	for name, value := range encoded {
		pub, err := DecodePublicKey(value)
		if err != nil {
			return nil, fmt.Errorf("infra key %s: %w", name, err)
		}
		ring.keys[name] = pub
		ring.names = append(ring.names, name)
	}
	sort.Strings(ring.names)
	return ring, nil
}

// Empty 为 true 时 infra 接口不做令牌校验。
func (r *InfraKeyRing) Empty() bool {
	return r == nil || len(r.keys) == 0
}

// VerifyAt 依次尝试每个应用公钥，返回签名匹配的应用名。
func (r *InfraKeyRing) VerifyAt(token, method, path string, now time.Time) (string, *InfraClaims, error) {
	if r.Empty() {
		return "", nil, ErrInvalidSignature
	}
	var lastErr error = ErrInvalidSignature
	for _, name := range r.names {
		claims, err := VerifyInfraTokenAt(r.keys[name], token, method, path, now)
		if err == nil {
			return name, claims, nil
		}
		// 签名匹配但其它校验失败时直接返回，不再尝试其它 key。
		if err != ErrInvalidSignature {
			return "", nil, err
		}
		lastErr = err
	}
	return "", nil, lastErr
}
