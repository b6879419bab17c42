package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
)

// keyInfo HKDF 派生时的上下文标识，修改会导致已有密文全部无法解密
const keyInfo = "forge-admin/user-api-credentials/v1"

// ErrKeyNotConfigured 未配置 crypto.aes_key
var ErrKeyNotConfigured = errors.New("未配置 crypto.aes_key")

// HashPassword 哈希密码 (bcrypt)
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword 验证密码
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// Cipher 对称加解密
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	// Decrypt 失败时返回 *DecryptionError
	Decrypt(ciphertext string) (string, error)
}

// DecryptionError 密文损坏或密钥不匹配
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// AESCipher AES-256-GCM，输出 base64(nonce || ciphertext || tag)
type AESCipher struct {
	aead cipher.AEAD
}

var _ Cipher = (*AESCipher)(nil)

// NewAESCipher 32 字节的密钥直接使用，其它长度通过 HKDF-SHA256 派生出 32 字节
func NewAESCipher(secret string) (*AESCipher, error) {
	if secret == "" {
		return nil, ErrKeyNotConfigured
	}

	key, err := deriveKey([]byte(secret))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESCipher{aead: aesGCM}, nil
}

func deriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 32 {
		return secret, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}
	return key, nil
}

// Encrypt AES加密
func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	// 生成nonce
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt AES解密
func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "base64 解码失败", Err: err}
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", &DecryptionError{Reason: "密文太短"}
	}

	nonce, data := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "认证失败", Err: err}
	}

	return string(plaintext), nil
}
