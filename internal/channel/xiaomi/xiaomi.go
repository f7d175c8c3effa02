// Package xiaomi 实现小米渠道：网页登录拿到授权码或 QQ 代理 token，账号接口换取 fuid/token，
// 游戏 SDK 接口 loginByToken 刷新 session。请求与响应都是 AES-ECB 信封。
package xiaomi

import (
	"context"
	"strings"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/weblogin"
)

const (
	LoginChannel = "xiaomi_app"

	accountRetOK = 200
	sdkCodeOK    = 0
	// sdkCodeTokenExpired 为 loginByToken 判定 token 失效的返回码。
	sdkCodeTokenExpired = 4002
)

type Client struct {
	cfg  config.XiaomiConfig
	deps channel.Deps
	sess *channel.XiaomiSession
}

func New(cfg config.XiaomiConfig, deps channel.Deps, sess *channel.XiaomiSession) *Client {
	c := &Client{cfg: cfg, deps: deps}
	if sess != nil {
		cp := *sess
		c.sess = &cp
	}
	return c
}

func (c *Client) Kind() channel.Kind { return channel.KindXiaomi }

func (c *Client) Session() channel.Session {
	if c.sess == nil {
		return channel.Session{Kind: channel.KindXiaomi}
	}
	return channel.NewXiaomiSession(*c.sess)
}

func (c *Client) Identity() channel.Identity {
	if c.sess == nil {
		return channel.Identity{}
	}
	name := c.sess.Nickname
	if name == "" {
		name = "小米用户" + c.sess.FUID
	}
	return channel.Identity{ExternalID: c.sess.FUID, DisplayName: name}
}

func (c *Client) TokenValid(ctx context.Context) bool {
	return c.sess != nil && c.sess.FUID != "" && c.sess.Token != ""
}

func (c *Client) key() ([]byte, error) {
	if len(c.cfg.AESKey) != 16 {
		return nil, channel.Errorf(channel.ErrUnsupported, "未配置小米信封密钥")
	}
	return []byte(c.cfg.AESKey), nil
}

func (c *Client) loginMatcher() weblogin.Matcher {
	return weblogin.MatchFuncs{URL: func(u string) weblogin.Verdict {
		if !strings.HasPrefix(u, c.cfg.CallbackPrefix) {
			return weblogin.Continue
		}
		if strings.Contains(u, "error=") {
			return weblogin.Fail
		}
		if _, err := ParseCallback(u); err == nil {
			return weblogin.Succeed
		}
		return weblogin.Continue
	}}
}

func (c *Client) RequestUserLogin(ctx context.Context) error {
	key, err := c.key()
	if err != nil {
		return err
	}
	out, err := c.deps.Login.Run(ctx, weblogin.Request{
		Title:   "小米账号登录",
		URL:     c.cfg.LoginURL,
		Matcher: c.loginMatcher(),
	})
	if err != nil {
		return channel.LoginError(err)
	}
	cred, err := ParseCallback(out.URL)
	if err != nil {
		return err
	}
	sess, err := c.fetchAccount(ctx, key, cred)
	if err != nil {
		return err
	}
	c.sess = &sess
	c.deps.Log().Info("小米账号登录成功", "fuid", sess.FUID, "credential", string(cred.Kind))
	return nil
}

func (c *Client) fetchAccount(ctx context.Context, key []byte, cred Credential) (channel.XiaomiSession, error) {
	dev, err := c.deps.Devices.Load(string(channel.KindXiaomi))
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	req := map[string]any{
		"appId": c.cfg.AppID,
		"imei":  dev.IMEI,
		"ua":    dev.UserAgent(),
	}
	switch cred.Kind {
	case CredentialCode:
		req["authCode"] = cred.Value
	case CredentialQQToken:
		req["qqToken"] = cred.Value
		req["loginType"] = "qq"
	}
	p, err := sealEnvelope(key, req)
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetFormData(map[string]string{"p": p}).
		Post(c.cfg.AccountURL))
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	f, err := openEnvelope(key, raw)
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	ret, err := f.RequireInt("retCode")
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	if ret != accountRetOK {
		return channel.XiaomiSession{}, channel.Errorf(channel.ErrRejected, "小米账号接口 retCode=%d %s", ret, f.OptionalString("errMsg"))
	}
	fuid, err := f.RequireID("fuid")
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	token, err := f.RequireString("token")
	if err != nil {
		return channel.XiaomiSession{}, err
	}
	return channel.XiaomiSession{FUID: fuid, Token: token, Nickname: f.OptionalString("nickname")}, nil
}

// loginByToken 用账号 token 换取游戏 SDK 的 session；token 失效时清空会话。
func (c *Client) loginByToken(ctx context.Context, key []byte) (string, string, error) {
	dev, err := c.deps.Devices.Load(string(channel.KindXiaomi))
	if err != nil {
		return "", "", err
	}
	p, err := sealEnvelope(key, map[string]any{
		"appId": c.cfg.AppID,
		"fuid":  c.sess.FUID,
		"token": c.sess.Token,
		"imei":  dev.IMEI,
	})
	if err != nil {
		return "", "", err
	}
	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetFormData(map[string]string{"p": p}).
		Post(c.cfg.SDKURL))
	if err != nil {
		return "", "", err
	}
	f, err := openEnvelope(key, raw)
	if err != nil {
		return "", "", err
	}
	code, err := f.RequireInt("code")
	if err != nil {
		return "", "", err
	}
	switch code {
	case sdkCodeOK:
	case sdkCodeTokenExpired:
		c.sess.Token = ""
		c.sess.SessionID = ""
		return "", "", channel.Errorf(channel.ErrSessionExpired, "小米 token 已失效")
	default:
		return "", "", channel.Errorf(channel.ErrRejected, "小米 SDK code=%d %s", code, f.OptionalString("msg"))
	}
	session, err := f.RequireString("session")
	if err != nil {
		return "", "", err
	}
	return session, dev.DeviceID, nil
}

func (c *Client) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	key, err := c.key()
	if err != nil {
		return channel.Payload{}, err
	}
	if !c.TokenValid(ctx) {
		return channel.Payload{}, channel.Errorf(channel.ErrSessionExpired, "小米会话不存在或已失效")
	}
	session, udid, err := c.loginByToken(ctx, key)
	if err != nil {
		return channel.Payload{}, err
	}
	c.sess.SessionID = session
	return c.deps.Federation.Exchange(ctx, gameID, channel.Payload{
		UserID:       c.sess.FUID,
		Token:        session,
		LoginChannel: LoginChannel,
		UDID:         udid,
	})
}
