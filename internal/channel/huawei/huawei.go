// Package huawei 实现华为账号渠道：OAuth2 授权码 + PKCE(S256) 登录，refresh_token 续期，
// 再通过 HMS 游戏服务换取 playerId/gameAuthSign。
package huawei

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/weblogin"
)

const (
	LoginChannel = "huawei"

	// rtnAccessTokenInvalid 为游戏服务判定 access token 失效时的返回码。
	rtnAccessTokenInvalid = 1002
	expirySkew            = time.Minute
)

type Client struct {
	cfg  config.HuaweiConfig
	deps channel.Deps
	sess *channel.HuaweiSession
}

func New(cfg config.HuaweiConfig, deps channel.Deps, sess *channel.HuaweiSession) *Client {
	c := &Client{cfg: cfg, deps: deps}
	if sess != nil {
		cp := *sess
		c.sess = &cp
	}
	return c
}

func (c *Client) Kind() channel.Kind { return channel.KindHuawei }

func (c *Client) Session() channel.Session {
	if c.sess == nil {
		return channel.Session{Kind: channel.KindHuawei}
	}
	return channel.NewHuaweiSession(*c.sess)
}

func (c *Client) Identity() channel.Identity {
	if c.sess == nil {
		return channel.Identity{}
	}
	return channel.Identity{ExternalID: c.sess.OpenID, DisplayName: c.sess.DisplayName}
}

func (c *Client) TokenValid(ctx context.Context) bool {
	return c.sess != nil && c.sess.AccessToken != "" && c.deps.Clock().Add(expirySkew).Before(c.sess.ExpiresAt)
}

func redirectMatcher(redirectURI string) weblogin.Matcher {
	return weblogin.MatchFuncs{URL: func(u string) weblogin.Verdict {
		if !strings.HasPrefix(u, redirectURI) {
			return weblogin.Continue
		}
		q := callbackQuery(u)
		if q.Get("error") != "" {
			return weblogin.Fail
		}
		if q.Get("code") != "" {
			return weblogin.Succeed
		}
		return weblogin.Continue
	}}
}

func callbackQuery(raw string) url.Values {
	u, err := url.Parse(raw)
	if err != nil {
		return url.Values{}
	}
	return u.Query()
}

func (c *Client) RequestUserLogin(ctx context.Context) error {
	verifier, challenge, err := NewPKCE()
	if err != nil {
		return err
	}
	state, err := randomToken(16)
	if err != nil {
		return err
	}
	authURL, err := c.authorizeURL(state, challenge)
	if err != nil {
		return err
	}

	out, err := c.deps.Login.Run(ctx, weblogin.Request{
		Title:   "华为账号登录",
		URL:     authURL,
		Matcher: redirectMatcher(c.cfg.RedirectURI),
	})
	if err != nil {
		return channel.LoginError(err)
	}
	q := callbackQuery(out.URL)
	if q.Get("state") != state {
		return channel.Errorf(channel.ErrRejected, "OAuth 回调 state 不匹配")
	}

	tok, err := c.exchangeCode(ctx, q.Get("code"), verifier)
	if err != nil {
		return err
	}
	claims, err := ParseIDTokenClaims(tok.IDToken)
	if err != nil {
		return channel.Wrap(channel.ErrProtocolShape, err)
	}
	c.sess = &channel.HuaweiSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		ExpiresAt:    tok.ExpiresAt,
		OpenID:       claims.OpenID,
		DisplayName:  claims.DisplayName,
	}
	c.deps.Log().Info("华为账号登录成功", "open_id", claims.OpenID)
	return nil
}

// ensureToken 在 access token 过期时用 refresh_token 续期；续期失败清空 refresh_token，迫使重新登录。
func (c *Client) ensureToken(ctx context.Context) error {
	if c.TokenValid(ctx) {
		return nil
	}
	if c.sess == nil || c.sess.RefreshToken == "" {
		return channel.Errorf(channel.ErrSessionExpired, "华为会话不存在或已失效")
	}
	tok, err := c.refresh(ctx, c.sess.RefreshToken)
	if err != nil {
		c.sess.RefreshToken = ""
		c.sess.AccessToken = ""
		return channel.Wrap(channel.ErrSessionExpired, err)
	}
	c.sess.AccessToken = tok.AccessToken
	c.sess.ExpiresAt = tok.ExpiresAt
	if tok.RefreshToken != "" {
		c.sess.RefreshToken = tok.RefreshToken
	}
	return nil
}

type gameAuth struct {
	PlayerID     string `json:"playerId"`
	OpenID       string `json:"openId"`
	GameAuthSign string `json:"gameAuthSign"`
	TS           string `json:"ts"`
}

func (c *Client) fetchGameAuth(ctx context.Context) (gameAuth, string, error) {
	dev, err := c.deps.Devices.Load(string(channel.KindHuawei))
	if err != nil {
		return gameAuth{}, "", err
	}
	device, _ := json.Marshal(map[string]any{
		"deviceId":   dev.DeviceID,
		"androidId":  dev.AndroidID,
		"brand":      dev.Brand,
		"model":      dev.Model,
		"osVersion":  dev.OSVersion,
		"sdkVersion": dev.SDKInt,
	})
	form := url.Values{}
	form.Set("method", "client.hms.gs.getGameAuthSign")
	form.Set("appId", c.cfg.AppID)
	form.Set("accessToken", c.sess.AccessToken)
	form.Set("ts", strconv.FormatInt(c.deps.Clock().UnixMilli(), 10))

	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("x-hms-device", string(device)).
		SetHeader("deviceId", dev.DeviceID).
		SetHeader("User-Agent", dev.UserAgent()).
		SetBody(form.Encode()).
		Post(c.cfg.GameAuthURL))
	if err != nil {
		return gameAuth{}, "", err
	}
	f, err := channel.ParseFields(raw)
	if err != nil {
		return gameAuth{}, "", err
	}
	rtn, err := f.RequireInt("rtnCode")
	if err != nil {
		return gameAuth{}, "", err
	}
	if rtn == rtnAccessTokenInvalid {
		c.sess.AccessToken = ""
		return gameAuth{}, "", channel.Errorf(channel.ErrSessionExpired, "华为 access token 被拒绝")
	}
	if rtn != 0 {
		return gameAuth{}, "", channel.Errorf(channel.ErrRejected, "华为游戏服务返回 rtnCode=%d", rtn)
	}
	var ga gameAuth
	if ga.PlayerID, err = f.RequireID("playerId"); err != nil {
		return gameAuth{}, "", err
	}
	if ga.OpenID, err = f.RequireString("openId"); err != nil {
		return gameAuth{}, "", err
	}
	if ga.GameAuthSign, err = f.RequireString("gameAuthSign"); err != nil {
		return gameAuth{}, "", err
	}
	if ga.TS, err = f.RequireID("ts"); err != nil {
		return gameAuth{}, "", err
	}
	return ga, dev.DeviceID, nil
}

func (c *Client) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	if err := c.ensureToken(ctx); err != nil {
		return channel.Payload{}, err
	}
	ga, udid, err := c.fetchGameAuth(ctx)
	if err != nil {
		return channel.Payload{}, err
	}
	token, _ := json.Marshal(ga)
	return c.deps.Federation.Exchange(ctx, gameID, channel.Payload{
		UserID:       ga.PlayerID,
		Token:        string(token),
		LoginChannel: LoginChannel,
		UDID:         udid,
	})
}
