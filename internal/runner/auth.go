package runner

import (
	"context"
	"strings"

	xerrors "OpenMCP-Relay/internal/errors"
	"OpenMCP-Relay/internal/trustchain"
)

// GroupKeys 查询群组当前持久化的会话公钥。
type GroupKeys interface {
	GroupPublicKey(ctx context.Context, groupID string) (string, bool, error)
}

// Authorize 校验证书链：会话证书由编排器签发，访问令牌由证书中的会话密钥签发且群组一致。
// 配置了 GroupKeys 时还要求证书中的公钥仍是群组当前的会话公钥。
func (r *Runner) Authorize(ctx context.Context, certificate, bearer string) (*trustchain.AgentAccessClaims, error) {
	if len(r.orchestrator) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "orchestrator public key is not configured")
	}
	now := r.now()
	sessionPub, cert, err := trustchain.VerifySessionCertificateAt(r.orchestrator, strings.TrimSpace(certificate), now)
	r.metrics.TokenVerification("session_certificate", err)
	if err != nil {
		return nil, trustchain.Classify(err)
	}
	claims, err := trustchain.VerifyAgentAccessTokenAt(sessionPub, strings.TrimSpace(bearer), trustchain.AgentAccessExpectation{GroupID: cert.GroupID}, now)
	r.metrics.TokenVerification("agent_access", err)
	if err != nil {
		return nil, trustchain.Classify(err)
	}

	if r.groupKeys != nil {
		current, found, err := r.groupKeys.GroupPublicKey(ctx, cert.GroupID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取群组会话失败")
		}
		if !found || current != cert.PublicKey {
			return nil, trustchain.Classify(trustchain.ErrClaimMismatch)
		}
	}
	return claims, nil
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
