// Package unisauth 实现游戏自有的 uni_sauth 联合登录：把渠道身份签名后换取游戏侧登录数据。
package unisauth

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"qrbridge/internal/channel"
	"qrbridge/internal/config"
	"qrbridge/internal/signing"
)

const SignHeader = "X-Client-Sign"

type GameProfiles interface {
	GameProfile(gameID string) (config.GameConfig, bool)
}

type Client struct {
	games GameProfiles
	http  *resty.Client
	now   func() time.Time
}

func NewClient(games GameProfiles, http *resty.Client) *Client {
	return &Client{games: games, http: http, now: time.Now}
}

// SetClock 仅测试使用。
func (c *Client) SetClock(now func() time.Time) { c.now = now }

type request struct {
	UserID       string `json:"user_id"`
	Token        string `json:"token"`
	LoginChannel string `json:"login_channel"`
	UDID         string `json:"udid"`
	AppChannel   string `json:"app_channel"`
	SDKVersion   string `json:"sdk_version"`
	PayChannel   string `json:"pay_channel"`
	GameID       string `json:"gameid"`
	Timestamp    string `json:"timestamp"`
}

// Exchange 用游戏配置补全载荷，签名后 POST 到 uni_sauth；成功时把 unisdk_login_json 写入 ExtraUniSDKData。
func (c *Client) Exchange(ctx context.Context, gameID string, p channel.Payload) (channel.Payload, error) {
	g, ok := c.games.GameProfile(gameID)
	if !ok {
		return channel.Payload{}, channel.Errorf(channel.ErrUnsupported, "未配置游戏 %s 的联合登录信息", gameID)
	}
	if g.UniSauthURL == "" || g.SignKey == "" {
		return channel.Payload{}, channel.Errorf(channel.ErrUnsupported, "游戏 %s 缺少 uni_sauth_url 或 sign_key", gameID)
	}
	if p.AppChannel == "" {
		p.AppChannel = g.AppChannel
	}
	if p.SDKVersion == "" {
		p.SDKVersion = g.SDKVersion
	}
	if p.PayChannel == "" {
		p.PayChannel = g.PayChannel
	}
	if err := p.Validate(); err != nil {
		return channel.Payload{}, err
	}

	body, err := json.Marshal(request{
		UserID:       p.UserID,
		Token:        p.Token,
		LoginChannel: p.LoginChannel,
		UDID:         p.UDID,
		AppChannel:   p.AppChannel,
		SDKVersion:   p.SDKVersion,
		PayChannel:   p.PayChannel,
		GameID:       gameID,
		Timestamp:    strconv.FormatInt(c.now().Unix(), 10),
	})
	if err != nil {
		return channel.Payload{}, err
	}
	sign := signing.HMACSign(g.UniSauthURL, "POST", string(body), g.SignKey)

	raw, err := channel.Body(c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignHeader, sign).
		SetBody(body).
		Post(g.UniSauthURL))
	if err != nil {
		return channel.Payload{}, fmt.Errorf("uni_sauth: %w", err)
	}
	f, err := channel.ParseFields(raw)
	if err != nil {
		return channel.Payload{}, err
	}
	code, err := f.RequireInt("code")
	if err != nil {
		return channel.Payload{}, err
	}
	if code != 0 {
		msg := strings.TrimSpace(f.OptionalString("subcode") + " " + f.OptionalString("status"))
		return channel.Payload{}, channel.Errorf(channel.ErrRejected, "uni_sauth 拒绝: code=%d %s", code, msg)
	}
	extra, err := f.RequireString("unisdk_login_json")
	if err != nil {
		return channel.Payload{}, err
	}
	p.ExtraUniSDKData = extra
	return p, nil
}
