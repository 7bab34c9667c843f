package trustchain

import (
	"errors"
	"fmt"

	xerrors "OpenMCP-Relay/internal/errors"
)

// Errors returned by the verifiers. Every token failure wraps
// ErrUnauthorized so HTTP layers can map them without inspecting which
// check failed.
var (
	ErrUnauthorized     = errors.New("trustchain: unauthorized")
	ErrMalformedToken   = fmt.Errorf("%w: malformed token", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	ErrTokenExpired     = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrClaimMismatch    = fmt.Errorf("%w: claim mismatch", ErrUnauthorized)

	// ErrSigningKeyUnconfigured 表示编排器没有配置签名私钥。
	ErrSigningKeyUnconfigured = errors.New("trustchain: signing key is not configured")
)

// Classify 将令牌校验错误转换为统一错误码：声明不匹配为 FORBIDDEN，
// 其余校验失败为 UNAUTHORIZED，未配置签名密钥为 FORBIDDEN。
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSigningKeyUnconfigured):
		return xerrors.Wrap(xerrors.CodeForbidden, err, "")
	case errors.Is(err, ErrClaimMismatch):
		return xerrors.Wrap(xerrors.CodeForbidden, err, "")
	case errors.Is(err, ErrUnauthorized):
		return xerrors.Wrap(xerrors.CodeUnauthorized, err, "")
	default:
		return err
	}
}
