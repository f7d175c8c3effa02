// Package wechat 实现微信渠道：二维码创建 + 长轮询扫码状态，确认后用 code 换取 openid 与
// access/refresh token。扫码进度写入 Board，供控制接口展示二维码。
package wechat

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/signing"
)

const (
	LoginChannel = "weixin"

	pollWaiting   = 408
	pollScanned   = 404
	pollConfirmed = 405
	pollExpired   = 402
	pollCancelled = 403

	// maxQRRenewals 为二维码过期后自动重建的次数上限。
	maxQRRenewals = 3
	qrSize        = 280
	expirySkew    = time.Minute
	confirmURL    = "https://open.weixin.qq.com/connect/confirm?uuid="
)

var refreshExpiredCodes = map[int64]bool{40030: true, 42002: true, 40001: true}

type Client struct {
	cfg   config.WeChatConfig
	deps  channel.Deps
	board *Board
	sess  *channel.WeChatSession
}

// New 创建客户端；board 为 nil 时使用私有的状态缓存。
func New(cfg config.WeChatConfig, deps channel.Deps, board *Board, sess *channel.WeChatSession) *Client {
	if board == nil {
		board = NewBoard()
	}
	c := &Client{cfg: cfg, deps: deps, board: board}
	if sess != nil {
		cp := *sess
		c.sess = &cp
	}
	return c
}

func (c *Client) Kind() channel.Kind { return channel.KindWeChat }

func (c *Client) Session() channel.Session {
	if c.sess == nil {
		return channel.Session{Kind: channel.KindWeChat}
	}
	return channel.NewWeChatSession(*c.sess)
}

func (c *Client) Identity() channel.Identity {
	if c.sess == nil {
		return channel.Identity{}
	}
	name := c.sess.Nickname
	if name == "" {
		name = "微信用户" + tail(c.sess.OpenID, 6)
	}
	return channel.Identity{ExternalID: c.sess.OpenID, DisplayName: name}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (c *Client) TokenValid(ctx context.Context) bool {
	return c.sess != nil && c.sess.AccessToken != "" && c.deps.Clock().Add(expirySkew).Before(c.sess.ExpiresAt)
}

// Status 返回当前扫码状态。
func (c *Client) Status() Status { return c.board.Status() }

// signedQuery 为每个请求附加 timestamp 与 sign=MD5(salt+timestamp)。
func (c *Client) signedQuery(q url.Values) url.Values {
	ts := strconv.FormatInt(c.deps.Clock().Unix(), 10)
	q.Set("timestamp", ts)
	q.Set("sign", signing.MD5Hex(c.cfg.Salt+ts))
	return q
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) (channel.Fields, error) {
	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetQueryParamsFromValues(c.signedQuery(q)).
		Get(endpoint))
	if err != nil {
		return channel.Fields{}, err
	}
	return channel.ParseFields(raw)
}

func (c *Client) createQR(ctx context.Context) (string, error) {
	f, err := c.get(ctx, c.cfg.CreateURL, url.Values{"appid": {c.cfg.AppID}})
	if err != nil {
		return "", err
	}
	if code, err := f.RequireInt("errcode"); err != nil {
		return "", err
	} else if code != 0 {
		return "", channel.Errorf(channel.ErrRejected, "创建微信二维码失败 errcode=%d %s", code, f.OptionalString("errmsg"))
	}
	id, err := f.RequireString("uuid")
	if err != nil {
		return "", err
	}
	qrURL := f.OptionalString("qrcode_url")
	if qrURL == "" {
		qrURL = confirmURL + url.QueryEscape(id)
	}
	png, err := qrcode.Encode(qrURL, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	c.board.ready(c.deps.Clock(), qrURL, png)
	return id, nil
}

func (c *Client) wait(ctx context.Context) error {
	interval := time.Duration(c.cfg.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		return nil
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pollCode 轮询直到用户确认；二维码过期会重建，用户取消或超出重建次数则失败。
func (c *Client) pollCode(ctx context.Context, id string) (string, error) {
	renewals := 0
	for {
		f, err := c.get(ctx, c.cfg.PollURL, url.Values{"uuid": {id}})
		if err != nil {
			return "", err
		}
		code, err := f.RequireInt("wx_errcode")
		if err != nil {
			return "", err
		}
		switch code {
		case pollWaiting:
		case pollScanned:
			c.board.set(c.deps.Clock(), StateScanned, "已扫码，等待确认")
		case pollConfirmed:
			return f.RequireString("wx_code")
		case pollCancelled:
			return "", channel.Errorf(channel.ErrLoginCancelled, "用户取消了微信登录")
		case pollExpired:
			if renewals >= maxQRRenewals {
				return "", channel.Errorf(channel.ErrLoginCancelled, "微信二维码多次过期")
			}
			renewals++
			if id, err = c.createQR(ctx); err != nil {
				return "", err
			}
		default:
			return "", channel.Errorf(channel.ErrProtocolShape, "未知的 wx_errcode=%d", code)
		}
		if err := c.wait(ctx); err != nil {
			return "", channel.Wrap(channel.ErrLoginCancelled, err)
		}
	}
}

func (c *Client) RequestUserLogin(ctx context.Context) error {
	if !c.board.begin(c.deps.Clock()) {
		return channel.Errorf(channel.ErrRejected, "已有进行中的微信扫码登录")
	}
	err := c.deps.Login.Exclusive(ctx, "微信扫码登录", c.login)
	if err != nil {
		if ctx.Err() != nil && !channel.Is(err, channel.ErrLoginCancelled) {
			err = channel.Wrap(channel.ErrLoginCancelled, err)
		}
		c.board.set(c.deps.Clock(), StateFailed, channel.UserMessage(err))
		return err
	}
	c.board.set(c.deps.Clock(), StateVerified, "登录成功")
	return nil
}

func (c *Client) login(ctx context.Context) error {
	id, err := c.createQR(ctx)
	if err != nil {
		return err
	}
	code, err := c.pollCode(ctx, id)
	if err != nil {
		return err
	}
	sess, err := c.token(ctx, c.cfg.TokenURL, url.Values{
		"appid":      {c.cfg.AppID},
		"code":       {code},
		"grant_type": {"authorization_code"},
	})
	if err != nil {
		return err
	}
	c.sess = &sess
	c.deps.Log().Info("微信账号登录成功", "open_id", sess.OpenID)
	return nil
}

func (c *Client) token(ctx context.Context, endpoint string, q url.Values) (channel.WeChatSession, error) {
	f, err := c.get(ctx, endpoint, q)
	if err != nil {
		return channel.WeChatSession{}, err
	}
	if ec := f.Get("errcode"); ec.Exists() && ec.Int() != 0 {
		if refreshExpiredCodes[ec.Int()] {
			return channel.WeChatSession{}, channel.Errorf(channel.ErrSessionExpired, "微信 token 已失效 errcode=%d", ec.Int())
		}
		return channel.WeChatSession{}, channel.Errorf(channel.ErrRejected, "微信 token 接口 errcode=%d %s", ec.Int(), f.OptionalString("errmsg"))
	}
	var s channel.WeChatSession
	if s.AccessToken, err = f.RequireString("access_token"); err != nil {
		return channel.WeChatSession{}, err
	}
	if s.RefreshToken, err = f.RequireString("refresh_token"); err != nil {
		return channel.WeChatSession{}, err
	}
	if s.OpenID, err = f.RequireString("openid"); err != nil {
		return channel.WeChatSession{}, err
	}
	expiresIn, err := f.RequireInt("expires_in")
	if err != nil {
		return channel.WeChatSession{}, err
	}
	s.ExpiresAt = c.deps.Clock().Add(time.Duration(expiresIn) * time.Second)
	s.UnionID = f.OptionalString("unionid")
	s.Nickname = f.OptionalString("nickname")
	return s, nil
}

// ensureToken 在 access token 过期时刷新；刷新失败清空会话令牌。
func (c *Client) ensureToken(ctx context.Context) error {
	if c.TokenValid(ctx) {
		return nil
	}
	if c.sess == nil || c.sess.RefreshToken == "" {
		return channel.Errorf(channel.ErrSessionExpired, "微信会话不存在或已失效")
	}
	next, err := c.token(ctx, c.cfg.RefreshURL, url.Values{
		"appid":         {c.cfg.AppID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.sess.RefreshToken},
	})
	if err != nil {
		if channel.Is(err, channel.ErrSessionExpired) || channel.Is(err, channel.ErrRejected) {
			c.sess.AccessToken = ""
			c.sess.RefreshToken = ""
			return channel.Wrap(channel.ErrSessionExpired, err)
		}
		return err
	}
	if next.OpenID != c.sess.OpenID {
		return channel.Errorf(channel.ErrProtocolShape, "刷新后 openid 不一致")
	}
	next.Nickname = c.sess.Nickname
	if next.UnionID == "" {
		next.UnionID = c.sess.UnionID
	}
	c.sess = &next
	return nil
}

func (c *Client) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	if err := c.ensureToken(ctx); err != nil {
		return channel.Payload{}, err
	}
	dev, err := c.deps.Devices.Load(string(channel.KindWeChat))
	if err != nil {
		return channel.Payload{}, err
	}
	return c.deps.Federation.Exchange(ctx, gameID, channel.Payload{
		UserID:       c.sess.OpenID,
		Token:        c.sess.AccessToken,
		LoginChannel: LoginChannel,
		UDID:         dev.DeviceID,
	})
}
