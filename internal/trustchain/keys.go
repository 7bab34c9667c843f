package trustchain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyPair 是一对 Ed25519 密钥。
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair 生成新的 Ed25519 密钥对。
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("生成 Ed25519 密钥失败: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign 对 payload 签名。
func Sign(priv ed25519.PrivateKey, payload []byte) []byte {
	return ed25519.Sign(priv, payload)
}

// Verify 校验签名；密钥长度不合法时返回 false 而不是 panic。
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// EncodeKey 以 base64url（无填充）编码密钥。
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

func decodeSegment(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// DecodePublicKey 解析 base64url 编码的公钥。
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodeSegment(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey 解析 base64url 编码的私钥，接受 32 字节种子或 64 字节完整私钥。
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := decodeSegment(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("decode private key: unexpected length %d", len(raw))
	}
}

// PublicOf 返回私钥对应的公钥。
func PublicOf(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}
