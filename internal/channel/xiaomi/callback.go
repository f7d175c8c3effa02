package xiaomi

import (
	"net/url"
	"strings"

	"qrbridge/internal/channel"
)

type CredentialKind string

const (
	// CredentialCode 来自小米账号直登的授权码（?code=）。
	CredentialCode CredentialKind = "code"
	// CredentialQQToken 来自 QQ 代理登录的 OAuth token（#access_token=）。
	CredentialQQToken CredentialKind = "qq_token"
)

type Credential struct {
	Kind  CredentialKind
	Value string
}

// ParseCallback 只依据回调 URL 的形状区分两种凭据：query 里的 code 或 fragment 里的 access_token。
func ParseCallback(raw string) (Credential, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Credential{}, channel.Wrap(channel.ErrProtocolShape, err)
	}
	if code := strings.TrimSpace(u.Query().Get("code")); code != "" {
		return Credential{Kind: CredentialCode, Value: code}, nil
	}
	if u.Fragment != "" {
		frag, err := url.ParseQuery(u.EscapedFragment())
		if err == nil {
			if tok := strings.TrimSpace(frag.Get("access_token")); tok != "" {
				return Credential{Kind: CredentialQQToken, Value: tok}, nil
			}
		}
	}
	return Credential{}, channel.Errorf(channel.ErrProtocolShape, "回调地址既没有 code 也没有 access_token")
}
