// Package oppo 实现 OPPO（欢太）渠道。
//
// 登录分三步：
//  1. 网页登录页注入 JS 桥，vip.onFinish 回传主 token 与 ssoid；
//  2. OpenAccount authorize/refresh（混合加密信封）换取二级 token；
//  3. GameSDK 二进制 RPC（sign2 头）换取 ticket 与角色列表。
package oppo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/weblogin"
)

const (
	LoginChannel = "oppo"

	expirySkew = time.Minute
)

type Client struct {
	cfg  config.OPPOConfig
	deps channel.Deps
	sess *channel.OPPOSession
}

func New(cfg config.OPPOConfig, deps channel.Deps, sess *channel.OPPOSession) *Client {
	c := &Client{cfg: cfg, deps: deps}
	if sess != nil {
		cp := *sess
		c.sess = &cp
	}
	return c
}

func (c *Client) Kind() channel.Kind { return channel.KindOPPO }

func (c *Client) Session() channel.Session {
	if c.sess == nil {
		return channel.Session{Kind: channel.KindOPPO}
	}
	return channel.NewOPPOSession(*c.sess)
}

func (c *Client) Identity() channel.Identity {
	if c.sess == nil {
		return channel.Identity{}
	}
	name := c.sess.Nickname
	if name == "" {
		name = "OPPO用户" + c.sess.SSOID
	}
	return channel.Identity{ExternalID: c.sess.SSOID, DisplayName: name}
}

func (c *Client) TokenValid(ctx context.Context) bool {
	if c.sess == nil || c.sess.SecondaryToken == "" {
		return false
	}
	return c.deps.Clock().Add(expirySkew).Before(c.sess.SecondaryExpiresAt)
}

func (c *Client) deviceID() (string, error) {
	dev, err := c.deps.Devices.Load(string(channel.KindOPPO))
	if err != nil {
		return "", err
	}
	return dev.DeviceID, nil
}

func (c *Client) RequestUserLogin(ctx context.Context) error {
	out, err := c.deps.Login.Run(ctx, weblogin.Request{
		Title:       "OPPO 账号登录",
		URL:         c.cfg.LoginURL,
		InitScripts: []string{bridgeScript},
		Matcher:     finishMatcher(),
	})
	if err != nil {
		return channel.LoginError(err)
	}
	fin, err := parseFinish(out.Console)
	if err != nil {
		return err
	}
	deviceID, err := c.deviceID()
	if err != nil {
		return err
	}
	st, err := c.authorize(ctx, fin.Token, fin.SSOID, deviceID)
	if err != nil {
		return err
	}
	next := &channel.OPPOSession{
		Token:              fin.Token,
		SSOID:              fin.SSOID,
		SecondaryToken:     st.Token,
		RefreshTicket:      st.RefreshTicket,
		SecondaryExpiresAt: st.ExpiresAt,
		Nickname:           fin.Nickname,
	}
	if c.sess != nil && c.sess.SSOID == fin.SSOID {
		next.RoleID = c.sess.RoleID
		next.RoleName = c.sess.RoleName
	}
	c.sess = next
	c.deps.Log().Info("OPPO 账号登录成功", "ssoid", fin.SSOID)
	return nil
}

// ensureSecondary 在二级 token 过期时用 refreshTicket 续期；续期被拒绝则清空二级 token。
func (c *Client) ensureSecondary(ctx context.Context, deviceID string) error {
	if c.TokenValid(ctx) {
		return nil
	}
	if c.sess == nil || c.sess.RefreshTicket == "" {
		return channel.Errorf(channel.ErrSessionExpired, "OPPO 会话不存在或已失效")
	}
	st, err := c.refresh(ctx, deviceID)
	if err != nil {
		if channel.Is(err, channel.ErrSessionExpired) || channel.Is(err, channel.ErrRejected) {
			c.clearSecondary()
			return channel.Wrap(channel.ErrSessionExpired, err)
		}
		return err
	}
	c.sess.SecondaryToken = st.Token
	c.sess.RefreshTicket = st.RefreshTicket
	c.sess.SecondaryExpiresAt = st.ExpiresAt
	return nil
}

func (c *Client) clearSecondary() {
	c.sess.SecondaryToken = ""
	c.sess.RefreshTicket = ""
}

// chooseRole 优先使用上次记住的角色，其次询问用户，最后取最近登录的角色。
func (c *Client) chooseRole(ctx context.Context, roles []Role) Role {
	remembered := -1
	latest := 0
	options := make([]string, len(roles))
	for i, r := range roles {
		options[i] = r.Name
		if r.Server != "" {
			options[i] = fmt.Sprintf("%s（%s）", r.Name, r.Server)
		}
		if r.ID == c.sess.RoleID {
			remembered = i
		}
		if r.LastLogin > roles[latest].LastLogin {
			latest = i
		}
	}
	return roles[c.deps.Choose(ctx, "选择 OPPO 游戏角色", options, remembered, latest)]
}

type ticketToken struct {
	Ticket string `json:"ticket"`
	RoleID string `json:"roleId"`
}

func (c *Client) UniSDKData(ctx context.Context, gameID string) (channel.Payload, error) {
	if c.sess == nil {
		return channel.Payload{}, channel.Errorf(channel.ErrSessionExpired, "OPPO 会话不存在")
	}
	deviceID, err := c.deviceID()
	if err != nil {
		return channel.Payload{}, err
	}
	if err := c.ensureSecondary(ctx, deviceID); err != nil {
		return channel.Payload{}, err
	}
	tr, err := c.fetchTicket(ctx, deviceID)
	if err != nil {
		if channel.IsSessionExpired(err) {
			c.clearSecondary()
		}
		return channel.Payload{}, err
	}
	if len(tr.Roles) == 0 {
		return channel.Payload{}, channel.Errorf(channel.ErrNoCandidate, "该 OPPO 账号下没有游戏角色")
	}
	role := c.chooseRole(ctx, tr.Roles)
	c.sess.RoleID = role.ID
	c.sess.RoleName = role.Name

	token, _ := json.Marshal(ticketToken{Ticket: tr.Ticket, RoleID: role.ID})
	return c.deps.Federation.Exchange(ctx, gameID, channel.Payload{
		UserID:       c.sess.SSOID,
		Token:        string(token),
		LoginChannel: LoginChannel,
		UDID:         deviceID,
	})
}
