package signing

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

var ErrSignature = errors.New("降级响应签名校验失败")

// HybridKey 是单次请求的 AES 会话密钥与 IV，响应需用同一对解密。
type HybridKey struct {
	Key []byte
	IV  []byte
}

type Sealed struct {
	// EncryptedKey 为 RSA(PKCS1v15) 加密后的 AES key，base64。
	EncryptedKey string
	IV           string
	Body         []byte
}

func NewHybridKey() (HybridKey, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return HybridKey{}, fmt.Errorf("生成随机数失败: %w", err)
	}
	return HybridKey{Key: buf[:16], IV: buf[16:]}, nil
}

// SealHybrid 生成随机 AES key/IV，用固定公钥加密 key，AES-CTR 加密请求体。
func SealHybrid(pub *rsa.PublicKey, plaintext []byte) (Sealed, HybridKey, error) {
	hk, err := NewHybridKey()
	if err != nil {
		return Sealed{}, HybridKey{}, err
	}
	s, err := SealHybridWithKey(pub, hk, plaintext)
	return s, hk, err
}

func SealHybridWithKey(pub *rsa.PublicKey, hk HybridKey, plaintext []byte) (Sealed, error) {
	if pub == nil {
		return Sealed{}, errors.New("缺少 RSA 公钥")
	}
	encKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, hk.Key)
	if err != nil {
		return Sealed{}, fmt.Errorf("RSA 加密 AES key 失败: %w", err)
	}
	body, err := AESCTR(hk.Key, hk.IV, plaintext)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{
		EncryptedKey: base64.StdEncoding.EncodeToString(encKey),
		IV:           base64.StdEncoding.EncodeToString(hk.IV),
		Body:         body,
	}, nil
}

func OpenHybrid(hk HybridKey, body []byte) ([]byte, error) {
	return AESCTR(hk.Key, hk.IV, body)
}

// VerifyDowngrade 依次尝试 MD5/SHA1/SHA256 摘要校验 RSA 签名；全部失败返回 ErrSignature。
func VerifyDowngrade(pub *rsa.PublicKey, body []byte, signatureB64 string) error {
	if pub == nil || signatureB64 == "" {
		return ErrSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	md5Sum := md5.Sum(body)
	sha1Sum := sha1.Sum(body)
	sha256Sum := sha256.Sum256(body)
	candidates := []struct {
		hash   crypto.Hash
		digest []byte
	}{
		{crypto.MD5, md5Sum[:]},
		{crypto.SHA1, sha1Sum[:]},
		{crypto.SHA256, sha256Sum[:]},
	}
	for _, c := range candidates {
		if rsa.VerifyPKCS1v15(pub, c.hash, c.digest, sig) == nil {
			return nil
		}
	}
	return ErrSignature
}

// ParseRSAPublicKey 接受 PEM（PKIX/PKCS1）或裸 base64 DER。
func ParseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	der := []byte(raw)
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 RSA 公钥失败: %w", err)
		}
		der = decoded
	}
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, errors.New("公钥不是 RSA")
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("解析 RSA 公钥失败: %w", err)
	}
	return pub, nil
}
