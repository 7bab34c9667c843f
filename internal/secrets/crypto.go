package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize 是派生后对称密钥的字节数。
const KeySize = chacha20poly1305.KeySize

// formatPrefix 标记密文格式版本，同时作为 AEAD 的附加认证数据。
const formatPrefix = "v1."

var hkdfInfo = []byte("openmcp-relay.secret-value.v1")

// ErrDecrypt 表示密文损坏、格式不符或密钥错误。
var ErrDecrypt = errors.New("secrets: unable to decrypt value")

// DeriveKey 用 HKDF-SHA256 从主密钥材料派生 32 字节加密密钥。
func DeriveKey(master string) ([]byte, error) {
	if strings.TrimSpace(master) == "" {
		return nil, errors.New("secrets: master key is empty")
	}
	reader := hkdf.New(sha256.New, []byte(master), nil, hkdfInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive secret key: %w", err)
	}
	return key, nil
}

// EncryptSecretValue 使用 XChaCha20-Poly1305 加密明文，输出 "v1." + base64url(nonce || ciphertext)。
func EncryptSecretValue(plaintext string, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(formatPrefix))
	return formatPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptSecretValue 是 EncryptSecretValue 的逆操作。任何失败都返回 ErrDecrypt。
func DecryptSecretValue(ciphertext string, key []byte) (string, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), formatPrefix)
	if !ok {
		return "", ErrDecrypt
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, sealed, []byte(formatPrefix))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Cipher 持有派生密钥，供资源解析和种子数据加密使用。
type Cipher struct {
	key []byte
}

// NewCipher 由主密钥材料构造 Cipher。
func NewCipher(master string) (*Cipher, error) {
	key, err := DeriveKey(master)
	if err != nil {
		return nil, err
	}
	return &Cipher{key: key}, nil
}

// Encrypt 加密明文。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil {
		return "", errors.New("secrets: cipher not configured")
	}
	return EncryptSecretValue(plaintext, c.key)
}

// Decrypt 解密密文。
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if c == nil {
		return "", errors.New("secrets: cipher not configured")
	}
	return DecryptSecretValue(ciphertext, c.key)
}
