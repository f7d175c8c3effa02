// Package signing 汇集渠道客户端与登录桥共用的无状态签名/加解密工具（HMAC、MD5 字段签名、AES、RSA 混合信封）。
package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HMACSign 计算 METHOD + pathSuffix(url) + body 的 HMAC-SHA256（小写 hex）。
func HMACSign(rawURL, method, body, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(strings.ToUpper(strings.TrimSpace(method))))
	mac.Write([]byte(PathSuffix(rawURL)))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// PathSuffix 去掉 scheme://host，返回从第一个 "/" 开始的部分（含 query）；无路径时返回空串。
func PathSuffix(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	i := strings.Index(s, "/")
	if i < 0 {
		return ""
	}
	return s[i:]
}

func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
