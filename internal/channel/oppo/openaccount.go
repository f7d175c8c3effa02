package oppo

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qrbridge/internal/channel"
	"qrbridge/internal/signing"
)

const (
	headerSafetyKey = "X-Safety-Key"
	headerSafetyIV  = "X-Safety-IV"
	headerSignature = "X-Signature"

	// statusDowngrade 表示服务端未加密响应，改为明文 + RSA 签名。
	statusDowngrade = 222

	openCodeOK           = 0
	openCodeTokenInvalid = 1003
)

type secondaryToken struct {
	Token         string
	RefreshTicket string
	ExpiresAt     time.Time
}

// callOpenAccount 发送混合加密信封并解析响应 data；降级响应必须通过签名校验才会被解析。
func (c *Client) callOpenAccount(ctx context.Context, endpoint string, req map[string]any) (channel.Fields, error) {
	pub, err := signing.ParseRSAPublicKey(c.cfg.PublicKey)
	if err != nil {
		return channel.Fields{}, channel.Wrap(channel.ErrUnsupported, err)
	}
	plain, err := json.Marshal(req)
	if err != nil {
		return channel.Fields{}, err
	}
	sealed, hk, err := signing.SealHybrid(pub, plain)
	if err != nil {
		return channel.Fields{}, err
	}

	resp, err := c.deps.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetHeader(headerSafetyKey, sealed.EncryptedKey).
		SetHeader(headerSafetyIV, sealed.IV).
		SetBody(base64.StdEncoding.EncodeToString(sealed.Body)).
		Post(endpoint)
	raw, err := channel.Body(resp, err)
	if err != nil {
		return channel.Fields{}, err
	}

	var decoded []byte
	if resp.StatusCode() == statusDowngrade {
		decoded, err = verifiedDowngrade(pub, raw, resp.Header().Get(headerSignature))
	} else {
		decoded, err = openSealed(hk, raw)
	}
	if err != nil {
		return channel.Fields{}, err
	}

	f, err := channel.ParseFields(decoded)
	if err != nil {
		return channel.Fields{}, err
	}
	code, err := f.RequireInt("code")
	if err != nil {
		return channel.Fields{}, err
	}
	switch code {
	case openCodeOK:
	case openCodeTokenInvalid:
		return channel.Fields{}, channel.Errorf(channel.ErrSessionExpired, "OPPO 账号 token 已失效")
	default:
		return channel.Fields{}, channel.Errorf(channel.ErrRejected, "OPPO 账号接口 code=%d %s", code, f.OptionalString("msg"))
	}
	return f.RequireObject("data")
}

func verifiedDowngrade(pub *rsa.PublicKey, body []byte, sig string) ([]byte, error) {
	if err := signing.VerifyDowngrade(pub, body, strings.TrimSpace(sig)); err != nil {
		return nil, channel.Wrap(channel.ErrSignature, err)
	}
	return body, nil
}

func openSealed(hk signing.HybridKey, body []byte) ([]byte, error) {
	enc, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, channel.Wrap(channel.ErrProtocolShape, fmt.Errorf("响应不是 base64: %w", err))
	}
	plain, err := signing.OpenHybrid(hk, enc)
	if err != nil {
		return nil, channel.Wrap(channel.ErrProtocolShape, err)
	}
	return plain, nil
}

func (c *Client) parseSecondary(f channel.Fields) (secondaryToken, error) {
	var st secondaryToken
	var err error
	if st.Token, err = f.RequireString("secondaryToken"); err != nil {
		return secondaryToken{}, err
	}
	if st.RefreshTicket, err = f.RequireString("refreshTicket"); err != nil {
		return secondaryToken{}, err
	}
	expiresIn, err := f.RequireInt("expiresIn")
	if err != nil {
		return secondaryToken{}, err
	}
	if expiresIn <= 0 {
		return secondaryToken{}, channel.Errorf(channel.ErrProtocolShape, "expiresIn 非法: %d", expiresIn)
	}
	st.ExpiresAt = c.deps.Clock().Add(time.Duration(expiresIn) * time.Second)
	return st, nil
}

// authorize 用网页登录拿到的主 token 换取二级 token。
func (c *Client) authorize(ctx context.Context, token, ssoid, deviceID string) (secondaryToken, error) {
	f, err := c.callOpenAccount(ctx, c.cfg.AuthorizeURL, map[string]any{
		"appKey":    c.cfg.AppKey,
		"token":     token,
		"ssoid":     ssoid,
		"deviceId":  deviceID,
		"timestamp": c.deps.Clock().UnixMilli(),
	})
	if err != nil {
		return secondaryToken{}, err
	}
	return c.parseSecondary(f)
}

func (c *Client) refresh(ctx context.Context, deviceID string) (secondaryToken, error) {
	f, err := c.callOpenAccount(ctx, c.cfg.RefreshURL, map[string]any{
		"appKey":         c.cfg.AppKey,
		"ssoid":          c.sess.SSOID,
		"secondaryToken": c.sess.SecondaryToken,
		"refreshTicket":  c.sess.RefreshTicket,
		"deviceId":       deviceID,
		"timestamp":      c.deps.Clock().UnixMilli(),
	})
	if err != nil {
		return secondaryToken{}, err
	}
	return c.parseSecondary(f)
}
