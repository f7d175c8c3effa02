package huawei

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

type IDTokenClaims struct {
	OpenID      string
	DisplayName string
}

// ParseIDTokenClaims 只解析 payload，不校验签名（token 直接来自 HTTPS 的 token 端点）。
func ParseIDTokenClaims(raw string) (IDTokenClaims, error) {
	payload, err := jwtPayload(raw)
	if err != nil {
		return IDTokenClaims{}, err
	}
	var parsed struct {
		Sub         string `json:"sub"`
		OpenID      string `json:"openid"`
		DisplayName string `json:"display_name"`
		Nickname    string `json:"nickname"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return IDTokenClaims{}, err
	}
	openID := strings.TrimSpace(parsed.OpenID)
	if openID == "" {
		openID = strings.TrimSpace(parsed.Sub)
	}
	if openID == "" {
		return IDTokenClaims{}, errors.New("id_token 缺少 openid/sub")
	}
	name := strings.TrimSpace(parsed.DisplayName)
	if name == "" {
		name = strings.TrimSpace(parsed.Nickname)
	}
	return IDTokenClaims{OpenID: openID, DisplayName: name}, nil
}

func jwtPayload(raw string) ([]byte, error) {
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return nil, errors.New("invalid jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}
