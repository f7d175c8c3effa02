// Package vivo 实现 vivo 渠道：网页登录后保存 cookie，按主账号拉取子账号列表，
// 选定子账号后换取联运登录 authtoken。所有请求参数用 SignRequestFields 签名。
package vivo

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/signing"
	"qrbridge/internal/weblogin"
)

const (
	LoginChannel = "nearme_vivo"

	codeOK = 0
	// codeNotLogin 表示 cookie 已失效。
	codeNotLogin = 20002
)

type Client struct {
	cfg  config.VivoConfig
	deps channel.Deps
	sess *channel.VivoSession
}

func New(cfg config.VivoConfig, deps channel.Deps, sess *channel.VivoSession) *Client {
	c := &Client{cfg: cfg, deps: deps}
	if sess != nil {
		cp := *sess
		cp.Cookies = append([]weblogin.Cookie(nil), sess.Cookies...)
		c.sess = &cp
	}
	return c
}

func (c *Client) Kind() channel.Kind { return channel.KindVivo }

func (c *Client) Session() channel.Session {
	if c.sess == nil {
		return channel.Session{Kind: channel.KindVivo}
	}
	return channel.NewVivoSession(*c.sess)
}

func (c *Client) Identity() channel.Identity {
	if c.sess == nil {
		return channel.Identity{}
	}
	name := c.sess.Nickname
	if name == "" {
		name = "vivo用户" + c.sess.OpenID
	}
	return channel.Identity{ExternalID: c.sess.OpenID, DisplayName: name}
}

func (c *Client) TokenValid(ctx context.Context) bool {
	if c.sess == nil || c.sess.OpenID == "" || len(c.sess.Cookies) == 0 {
		return false
	}
	now := c.deps.Clock()
	for _, ck := range c.sess.Cookies {
		if !ck.Expires.IsZero() && ck.Expires.Before(now) {
			return false
		}
	}
	return true
}

func (c *Client) RequestUserLogin(ctx context.Context) error {
	out, err := c.deps.Login.Run(ctx, weblogin.Request{
		Title:       "vivo 账号登录",
		URL:         c.cfg.LoginURL,
		WantCookies: true,
		Matcher: weblogin.MatchFuncs{URL: func(u string) weblogin.Verdict {
			if strings.HasPrefix(u, c.cfg.SuccessURLPrefix) {
				return weblogin.Succeed
			}
			return weblogin.Continue
		}},
	})
	if err != nil {
		return channel.LoginError(err)
	}
	if len(out.Cookies) == 0 {
		return channel.Errorf(channel.ErrProtocolShape, "登录成功但没有拿到 cookie")
	}

	next := &channel.VivoSession{Cookies: out.Cookies}
	acc, err := c.fetchAccounts(ctx, next)
	if err != nil {
		return err
	}
	next.OpenID = acc.OpenID
	next.Nickname = acc.Nickname
	if c.sess != nil && c.sess.OpenID == acc.OpenID {
		next.SubOpenID = c.sess.SubOpenID
		next.SubName = c.sess.SubName
	}
	c.sess = next
	c.deps.Log().Info("vivo 账号登录成功", "open_id", acc.OpenID, "sub_accounts", len(acc.Subs))
	return nil
}

// signed 补齐公共参数并附加 sign。
func (c *Client) signed(fields map[string]any) map[string]string {
	fields["appId"] = c.cfg.AppID
	fields["timestamp"] = c.deps.Clock().UnixMilli()
	fields["nonce"] = strings.ReplaceAll(uuid.NewString(), "-", "")
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = signing.JavaString(v)
	}
	out[signing.SignField] = signing.SignRequestFields(fields, c.cfg.Secret)
	return out
}

func httpCookies(cookies []weblogin.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	return out
}

func (c *Client) post(ctx context.Context, sess *channel.VivoSession, endpoint string, fields map[string]any) (channel.Fields, error) {
	dev, err := c.deps.Devices.Load(string(channel.KindVivo))
	if err != nil {
		return channel.Fields{}, err
	}
	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetHeader("User-Agent", dev.UserAgent()).
		SetCookies(httpCookies(sess.Cookies)).
		SetFormData(c.signed(fields)).
		Post(endpoint))
	if err != nil {
		return channel.Fields{}, err
	}
	f, err := channel.ParseFields(raw)
	if err != nil {
		return channel.Fields{}, err
	}
	code, err := f.RequireInt("code")
	if err != nil {
		return channel.Fields{}, err
	}
	switch code {
	case codeOK:
	case codeNotLogin:
		return channel.Fields{}, channel.Errorf(channel.ErrSessionExpired, "vivo 登录态已失效")
	default:
		return channel.Fields{}, channel.Errorf(channel.ErrRejected, "vivo 接口 code=%d %s", code, f.OptionalString("msg"))
	}
	return f.RequireObject("data")
}

type SubAccount struct {
	OpenID string
	Name   string
}

type accounts struct {
	OpenID   string
	Nickname string
	Subs     []SubAccount
}

func (c *Client) fetchAccounts(ctx context.Context, sess *channel.VivoSession) (accounts, error) {
	data, err := c.post(ctx, sess, c.cfg.AccountsURL, map[string]any{})
	if err != nil {
		return accounts{}, err
	}
	var out accounts
	if out.OpenID, err = data.RequireID("openid"); err != nil {
		return accounts{}, err
	}
	out.Nickname = data.OptionalString("nickname")
	items, err := data.RequireArray("subAccounts")
	if err != nil {
		return accounts{}, err
	}
	for _, it := range items {
		f, err := channel.Item(it)
		if err != nil {
			return accounts{}, err
		}
		var sub SubAccount
		if sub.OpenID, err = f.RequireID("subOpenId"); err != nil {
			return accounts{}, err
		}
		sub.Name = f.OptionalString("subName")
		if sub.Name == "" {
			sub.Name = sub.OpenID
		}
		out.Subs = append(out.Subs, sub)
	}
	return out, nil
}

// chooseSub：0 个报错，1 个直接用，多个时依次看记住的选择、询问用户、取第一个。
func (c *Client) chooseSub(ctx context.Context, subs []SubAccount) (SubAccount, error) {
	switch len(subs) {
	case 0:
		return SubAccount{}, channel.Errorf(channel.ErrNoCandidate, "该 vivo 账号下没有游戏子账号")
	case 1:
		return subs[0], nil
	}
	remembered := -1
	options := make([]string, len(subs))
	for i, s := range subs {
		options[i] = s.Name
		if s.OpenID == c.sess.SubOpenID {
			remembered = i
		}
	}
	return subs[c.deps.Choose(ctx, "选择 vivo 子账号", options, remembered, 0)], nil
}

func (c *Client) clearCookies() {
	c.sess.Cookies = nil
}

func (c *Client) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	if !c.TokenValid(ctx) {
		return channel.Payload{}, channel.Errorf(channel.ErrSessionExpired, "vivo 会话不存在或已失效")
	}
	acc, err := c.fetchAccounts(ctx, c.sess)
	if err != nil {
		if channel.IsSessionExpired(err) {
			c.clearCookies()
		}
		return channel.Payload{}, err
	}
	sub, err := c.chooseSub(ctx, acc.Subs)
	if err != nil {
		return channel.Payload{}, err
	}
	c.sess.SubOpenID = sub.OpenID
	c.sess.SubName = sub.Name

	data, err := c.post(ctx, c.sess, c.cfg.AuthURL, map[string]any{
		"openid":    c.sess.OpenID,
		"subOpenId": sub.OpenID,
		"gameId":    gameID,
	})
	if err != nil {
		if channel.IsSessionExpired(err) {
			c.clearCookies()
		}
		return channel.Payload{}, err
	}
	token, err := data.RequireString("authtoken")
	if err != nil {
		return channel.Payload{}, err
	}
	dev, err := c.deps.Devices.Load(string(channel.KindVivo))
	if err != nil {
		return channel.Payload{}, err
	}
	return c.deps.Federation.Exchange(ctx, gameID, channel.Payload{
		UserID:       sub.OpenID,
		Token:        token,
		LoginChannel: LoginChannel,
		UDID:         dev.DeviceID,
	})
}
