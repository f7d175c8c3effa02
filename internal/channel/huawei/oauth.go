package huawei

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"qrbridge/internal/channel"
)

// tokenSet 是 HMS OAuth token 端点的一次应答。
type tokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// OAuthError 是 token 端点返回的非 2xx 应答。HMS 的 error 既可能是字符串也可能是数字，
// 数字时通常另带 sub_error。
type OAuthError struct {
	Status      int
	Code        string
	SubCode     string
	Description string
	Snippet     string
}

func (e *OAuthError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hms oauth %d", e.Status)
	switch {
	case e.Code != "":
		b.WriteString(" " + e.Code)
		if e.SubCode != "" {
			b.WriteString("/" + e.SubCode)
		}
		if e.Description != "" {
			b.WriteString(": " + e.Description)
		}
	case e.Snippet != "":
		b.WriteString(": " + e.Snippet)
	}
	return b.String()
}

func parseOAuthError(status int, body []byte) *OAuthError {
	e := &OAuthError{Status: status}
	if gjson.ValidBytes(body) {
		r := gjson.ParseBytes(body)
		e.Code = r.Get("error").String()
		e.SubCode = r.Get("sub_error").String()
		e.Description = r.Get("error_description").String()
	}
	if e.Code == "" && e.Description == "" {
		e.Snippet = strings.TrimSpace(string(body))
		if len(e.Snippet) > 160 {
			e.Snippet = e.Snippet[:160] + "…"
		}
	}
	return e
}

// authorizeURL 拼出浏览器授权页地址；display=touch 让 HMS 出移动端页面，扫码登录更顺。
func (c *Client) authorizeURL(state, challenge string) (string, error) {
	u, err := url.Parse(c.cfg.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("huawei authorize_url 无效: %w", err)
	}
	q := u.Query()
	for k, v := range map[string]string{
		"response_type":         "code",
		"access_type":           "offline",
		"display":               "touch",
		"client_id":             c.cfg.ClientID,
		"redirect_uri":          c.cfg.RedirectURI,
		"scope":                 c.cfg.Scope,
		"state":                 state,
		"code_challenge":        challenge,
		"code_challenge_method": "S256",
	} {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) exchangeCode(ctx context.Context, code, verifier string) (tokenSet, error) {
	tok, err := c.grant(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  c.cfg.RedirectURI,
	})
	if err != nil {
		return tokenSet{}, err
	}
	// 首次换取必须拿到 refresh_token 与 id_token，否则会话无法续期也拿不到 openid。
	for name, v := range map[string]string{"refresh_token": tok.RefreshToken, "id_token": tok.IDToken} {
		if v == "" {
			return tokenSet{}, channel.Errorf(channel.ErrProtocolShape, "token 响应缺少 %s", name)
		}
	}
	return tok, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (tokenSet, error) {
	return c.grant(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

func (c *Client) grant(ctx context.Context, form map[string]string) (tokenSet, error) {
	form["client_id"] = c.cfg.ClientID
	resp, err := c.deps.HTTP.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(form).
		Post(c.cfg.TokenURL)
	if err != nil {
		return tokenSet{}, channel.Wrap(channel.ErrTransport, err)
	}
	if resp.IsError() {
		return tokenSet{}, channel.Wrap(channel.ErrTransport, parseOAuthError(resp.StatusCode(), resp.Body()))
	}

	f, err := channel.ParseFields(resp.Body())
	if err != nil {
		return tokenSet{}, err
	}
	access, err := f.RequireString("access_token")
	if err != nil {
		return tokenSet{}, err
	}
	ttl, err := f.RequireInt("expires_in")
	if err != nil {
		return tokenSet{}, err
	}
	return tokenSet{
		AccessToken:  access,
		RefreshToken: f.OptionalString("refresh_token"),
		IDToken:      f.OptionalString("id_token"),
		ExpiresAt:    c.deps.Clock().Add(time.Duration(ttl) * time.Second),
	}, nil
}
