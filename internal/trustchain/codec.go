package trustchain

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const delimiter = "."

// claims 由各令牌类型实现，用于解码后的结构校验。
type claims interface {
	validate() error
}

// encodeToken 生成 base64url(JSON) + "." + base64url(签名)。签名覆盖编码后的声明段。
func encodeToken(priv ed25519.PrivateKey, c any) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", ErrSigningKeyUnconfigured
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	segment := base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(priv, []byte(segment))
	return segment + delimiter + base64.RawURLEncoding.EncodeToString(sig), nil
}

// decodeToken 校验签名并把声明解码到 dst。先验签再解析 JSON。
func decodeToken(pub ed25519.PublicKey, token string, dst claims) error {
	token = strings.TrimSpace(token)
	segment, sigPart, ok := strings.Cut(token, delimiter)
	if !ok || segment == "" || sigPart == "" || strings.Contains(sigPart, delimiter) {
		return ErrMalformedToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return ErrMalformedToken
	}
	if !Verify(pub, []byte(segment), sig) {
		return ErrInvalidSignature
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ErrMalformedToken
	}
	if err := dst.validate(); err != nil {
		return err
	}
	return nil
}

func checkExpiry(exp int64, now time.Time) error {
	if now.Unix() >= exp {
		return ErrTokenExpired
	}
	return nil
}

func newJTI() string {
	return uuid.NewString()
}

func required(fields ...string) error {
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return ErrMalformedToken
		}
	}
	return nil
}
