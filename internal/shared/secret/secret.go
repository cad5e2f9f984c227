// Package secret 面板凭据的对称加密
//
// 面板密码落库前用 secretbox 加密（XSalsa20-Poly1305），
// 密钥来自配置，32 字节十六进制。密文格式为 base64(nonce || box)。
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Box 持有密钥的加解密器
type Box struct {
	key [keySize]byte
}

// NewBox 从十六进制密钥串创建加解密器
func NewBox(hexKey string) (*Box, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid hex key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", keySize, len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey 生成一个新密钥的十六进制表示（供部署脚本使用）
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("secret: generate key: %w", err)
	}
	return hex.EncodeToString(key[:]), nil
}

// Encrypt 加密明文
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secret: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密密文
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secret: invalid ciphertext encoding: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("secret: ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("secret: decryption failed")
	}
	return string(plain), nil
}
