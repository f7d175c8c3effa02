package huawei

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// randomToken 返回 n 字节随机数的 base64url（无填充）编码，用作 state 与 PKCE verifier。
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("读取随机数失败: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewPKCE 生成 43 字符的 verifier 及其 S256 challenge。
func NewPKCE() (verifier, challenge string, err error) {
	if verifier, err = randomToken(32); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
