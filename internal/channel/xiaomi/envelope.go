package xiaomi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"qrbridge/internal/channel"
	"qrbridge/internal/signing"
)

// sealEnvelope 把请求 JSON 用 AES-ECB+PKCS7 加密后 base64，作为表单字段 p 发送。
func sealEnvelope(key []byte, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	enc, err := signing.AESECBEncrypt(key, raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

// openEnvelope 解开 base64(AES-ECB(JSON)) 响应；任何一步失败都是协议形状错误。
func openEnvelope(key []byte, body []byte) (channel.Fields, error) {
	enc, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return channel.Fields{}, channel.Wrap(channel.ErrProtocolShape, fmt.Errorf("响应不是 base64: %w", err))
	}
	plain, err := signing.AESECBDecrypt(key, enc)
	if err != nil {
		return channel.Fields{}, channel.Wrap(channel.ErrProtocolShape, fmt.Errorf("响应解密失败: %w", err))
	}
	return channel.ParseFields(plain)
}
