package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	// Prefix 用于标识加密字段的前缀，方便配置文件解析
	Prefix = "ENC:"
)

// Crypter 封装了 AES-GCM 的操作
type Crypter struct {
	gcm cipher.AEAD
}

// NewCrypter 创建一个新的加解密实例
// key 必须是 32 字节 (AES-256)
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: expected 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Crypter{gcm: gcm}, nil
}

// Encrypt 加密字符串
// 输出格式: ENC:<Base64(Nonce + Ciphertext)>
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// Nonce 作为前缀与密文一并存储
	ciphertext := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密字符串
// 输入格式必须以 ENC: 开头
func (c *Crypter) Decrypt(encoded string) (string, error) {
	if !strings.HasPrefix(encoded, Prefix) {
		return "", fmt.Errorf("invalid format: missing '%s' prefix", Prefix)
	}

	raw := strings.TrimPrefix(encoded, Prefix)
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted 辅助函数：判断字符串是否是加密格式
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}
