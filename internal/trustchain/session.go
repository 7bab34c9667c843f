package trustchain

import (
	"crypto/ed25519"
	"time"
)

// certificateSkew 允许签发时间略早于本地时钟。
const certificateSkew = time.Minute

// SessionCertificate 是编排器对 {group_id, public_key} 的背书。
type SessionCertificate struct {
	GroupID   string `json:"group_id"`
	PublicKey string `json:"public_key"`
	IssuedAt  int64  `json:"iat"`
}

func (c *SessionCertificate) validate() error {
	return required(c.GroupID, c.PublicKey)
}

// IssueSessionCertificate 由编排器私钥签发会话证书。
func IssueSessionCertificate(orchestrator ed25519.PrivateKey, groupID string, sessionPub ed25519.PublicKey) (string, error) {
	return IssueSessionCertificateAt(orchestrator, groupID, sessionPub, time.Now())
}

// IssueSessionCertificateAt is IssueSessionCertificate with an explicit clock.
func IssueSessionCertificateAt(orchestrator ed25519.PrivateKey, groupID string, sessionPub ed25519.PublicKey, now time.Time) (string, error) {
	if err := required(groupID); err != nil {
		return "", err
	}
	if len(sessionPub) != ed25519.PublicKeySize {
		return "", ErrMalformedToken
	}
	return encodeToken(orchestrator, SessionCertificate{
		GroupID:   groupID,
		PublicKey: EncodeKey(sessionPub),
		IssuedAt:  now.Unix(),
	})
}

// VerifySessionCertificate 校验证书并返回其中被认证的会话公钥。
func VerifySessionCertificate(orchestrator ed25519.PublicKey, cert string) (ed25519.PublicKey, *SessionCertificate, error) {
	return VerifySessionCertificateAt(orchestrator, cert, time.Now())
}

// VerifySessionCertificateAt 证书本身不过期，但拒绝签发时间在未来的证书。
func VerifySessionCertificateAt(orchestrator ed25519.PublicKey, cert string, now time.Time) (ed25519.PublicKey, *SessionCertificate, error) {
	var c SessionCertificate
	if err := decodeToken(orchestrator, cert, &c); err != nil {
		return nil, nil, err
	}
	if c.IssuedAt > now.Add(certificateSkew).Unix() {
		return nil, nil, ErrTokenExpired
	}
	pub, err := DecodePublicKey(c.PublicKey)
	if err != nil {
		return nil, nil, ErrMalformedToken
	}
	return pub, &c, nil
}
