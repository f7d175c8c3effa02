// Package bridge 用已保存的渠道账号替真实客户端完成官方扫码登录：
// 取得渠道身份载荷后，依次回放 scan 与 confirm_login 两次后端调用。
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"qrbridge/internal/accounts"
	"qrbridge/internal/channel"
	"qrbridge/internal/obs"
)

const (
	scanPath    = "/mpay/api/qrcode/scan"
	confirmPath = "/mpay/api/qrcode/confirm_login"

	maxBackendBody = 1 << 20
)

var (
	// ErrBackend 表示真实后端拒绝了扫码或确认请求。
	ErrBackend = errors.New("后端拒绝扫码确认")

	errIdentityChanged = errors.New("重新登录的账号与保存的账号不一致")
)

// Accounts 是登录桥对账号库的最小依赖。
type Accounts interface {
	Query(id string) (accounts.ChannelAccount, error)
	Client(ctx context.Context, id string) (channel.Client, accounts.ChannelAccount, error)
	Persist(id string, c channel.Client) error
	Touch(id string) error
}

// Backend 提供直连真实后端的 HTTP 客户端，绕过本机的域名劫持。
type Backend interface {
	Client() *http.Client
	URL(pathAndQuery string) string
}

type Confirmation struct {
	// Debug 为 true 时未访问真实后端，Payload 即结果。
	Debug    bool             `json:"debug,omitempty"`
	Payload  *channel.Payload `json:"payload,omitempty"`
	Response json.RawMessage  `json:"response,omitempty"`
}

type Bridge struct {
	accounts       Accounts
	backend        Backend
	debugScannerID string
	log            *slog.Logger
}

func New(accts Accounts, backend Backend, debugScannerID string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		accounts:       accts,
		backend:        backend,
		debugScannerID: debugScannerID,
		log:            logger,
	}
}

// SimulateScan 以账号 id 的身份扫描 scannerUUID 对应的二维码并确认登录。
func (b *Bridge) SimulateScan(ctx context.Context, accountID, scannerUUID, gameID string) (Confirmation, error) {
	c, err := b.simulateScan(ctx, accountID, scannerUUID, gameID)
	obs.RecordBridgeResult(err == nil)
	if err != nil {
		b.log.Warn("模拟扫码失败", "account", accountID, "game_id", gameID, "err", err)
		return Confirmation{}, err
	}
	b.log.Info("模拟扫码完成", "account", accountID, "game_id", gameID, "debug", c.Debug)
	return c, nil
}

func (b *Bridge) simulateScan(ctx context.Context, accountID, scannerUUID, gameID string) (Confirmation, error) {
	if strings.TrimSpace(scannerUUID) == "" {
		return Confirmation{}, errors.New("缺少二维码 uuid")
	}
	payload, err := b.payload(ctx, accountID, gameID)
	if err != nil {
		return Confirmation{}, err
	}
	payload.ScannerUUID = scannerUUID
	payload.GameID = gameID

	if b.debugScannerID != "" && scannerUUID == b.debugScannerID {
		return Confirmation{Debug: true, Payload: &payload}, nil
	}

	if err := b.scan(ctx, scannerUUID, gameID); err != nil {
		return Confirmation{}, err
	}
	resp, err := b.confirm(ctx, payload)
	if err != nil {
		return Confirmation{}, err
	}
	return Confirmation{Response: resp}, nil
}

func (b *Bridge) payload(ctx context.Context, accountID, gameID string) (channel.Payload, error) {
	acc, err := b.accounts.Query(accountID)
	if err != nil {
		return channel.Payload{}, err
	}
	if acc.Kind == channel.KindGeneric {
		p, err := replayGeneric(acc)
		if err != nil {
			return channel.Payload{}, err
		}
		if err := b.accounts.Touch(accountID); err != nil {
			return channel.Payload{}, err
		}
		return p, nil
	}

	client, acc, err := b.accounts.Client(ctx, accountID)
	if err != nil {
		return channel.Payload{}, err
	}
	p, err := b.uniSDKData(ctx, client, acc, gameID)
	if !errors.Is(err, errIdentityChanged) {
		if perr := b.accounts.Persist(accountID, client); perr != nil {
			b.log.Warn("保存续期会话失败", "account", accountID, "err", perr)
		}
	}
	if err != nil {
		return channel.Payload{}, err
	}
	if err := p.Validate(); err != nil {
		return channel.Payload{}, err
	}
	if err := b.accounts.Touch(accountID); err != nil {
		return channel.Payload{}, err
	}
	return p, nil
}

// uniSDKData 会话失效时重新登录一次，且必须登回同一个外部账号。
func (b *Bridge) uniSDKData(ctx context.Context, c channel.Client, acc accounts.ChannelAccount, gameID string) (channel.Payload, error) {
	p, err := c.UniSDKData(ctx, gameID)
	if err == nil || !channel.IsSessionExpired(err) {
		return p, err
	}
	b.log.Info("渠道会话失效，重新登录", "account", acc.UUID, "kind", acc.Kind)
	if err := c.RequestUserLogin(ctx); err != nil {
		obs.RecordChannelLogin(string(acc.Kind), false)
		return channel.Payload{}, err
	}
	obs.RecordChannelLogin(string(acc.Kind), true)
	if id := c.Identity().ExternalID; acc.ExternalID != "" && id != acc.ExternalID {
		return channel.Payload{}, channel.Wrap(channel.ErrRejected, fmt.Errorf("%w: %s", errIdentityChanged, id))
	}
	return c.UniSDKData(ctx, gameID)
}

func replayGeneric(acc accounts.ChannelAccount) (channel.Payload, error) {
	g := acc.Session.Generic
	if g == nil || len(g.ExchangeInfo) == 0 {
		return channel.Payload{}, channel.Errorf(channel.ErrUnsupported, "扫码导入的账号缺少可回放的登录数据")
	}
	var p channel.Payload
	if err := json.Unmarshal(g.ExchangeInfo, &p); err != nil {
		return channel.Payload{}, channel.Wrap(channel.ErrProtocolShape, err)
	}
	if err := p.Validate(); err != nil {
		return channel.Payload{}, err
	}
	return p, nil
}

func (b *Bridge) scan(ctx context.Context, scannerUUID, gameID string) error {
	q := url.Values{}
	q.Set("uuid", scannerUUID)
	q.Set("game_id", gameID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.backend.URL(scanPath+"?"+q.Encode()), nil)
	if err != nil {
		return err
	}
	_, err = b.do(req)
	return err
}

func (b *Bridge) confirm(ctx context.Context, p channel.Payload) (json.RawMessage, error) {
	body := p.Form().Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.backend.URL(confirmPath), bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	raw, err := b.do(req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: confirm_login 返回非 JSON", ErrBackend)
	}
	return json.RawMessage(raw), nil
}

func (b *Bridge) do(req *http.Request) ([]byte, error) {
	resp, err := b.backend.Client().Do(req)
	if err != nil {
		return nil, channel.Wrap(channel.ErrTransport, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody))
	if err != nil {
		return nil, channel.Wrap(channel.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s %s 状态码 %d", ErrBackend, req.Method, req.URL.Path, resp.StatusCode)
	}
	return raw, nil
}
