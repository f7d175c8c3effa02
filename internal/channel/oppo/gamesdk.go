package oppo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"qrbridge/internal/channel"
	"qrbridge/internal/signing"
)

const (
	ticketCodeOK           = 0
	ticketCodeTokenInvalid = 1004
)

// ticketRequest 字段号：1 appId，2 secondaryToken，3 ssoid，4 deviceId，5 timestamp。
type ticketRequest struct {
	AppID          string
	SecondaryToken string
	SSOID          string
	DeviceID       string
	Timestamp      int64
}

func (r ticketRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.AppID)
	b = appendString(b, 2, r.SecondaryToken)
	b = appendString(b, 3, r.SSOID)
	b = appendString(b, 4, r.DeviceID)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	return b
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Role 字段号：1 roleId，2 roleName，3 serverName，4 lastLogin（毫秒）。
type Role struct {
	ID        string
	Name      string
	Server    string
	LastLogin int64
}

// ticketResponse 字段号：1 code，2 msg，3 ticket，4 repeated Role。
type ticketResponse struct {
	Code   int64
	Msg    string
	Ticket string
	Roles  []Role
}

func (r *ticketResponse) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			r.Code = int64(n)
		case num == 2 && typ == protowire.BytesType:
			r.Msg = string(v)
		case num == 3 && typ == protowire.BytesType:
			r.Ticket = string(v)
		case num == 4 && typ == protowire.BytesType:
			var role Role
			if err := role.unmarshal(v); err != nil {
				return err
			}
			r.Roles = append(r.Roles, role)
		}
		return nil
	})
}

func (r *Role) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			r.ID = string(v)
		case num == 2 && typ == protowire.BytesType:
			r.Name = string(v)
		case num == 3 && typ == protowire.BytesType:
			r.Server = string(v)
		case num == 4 && typ == protowire.VarintType:
			r.LastLogin = int64(n)
		}
		return nil
	})
}

// walkFields 逐个读取字段；未知字段跳过，截断或非法编码返回错误。
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

// Sign2 计算 GameSDK 请求头 sign2：
// MD5(oak + salt + ocs + timestamp + deviceId + path + query + length + embeddedRSA)。
func Sign2(appKey, salt, appSecret, timestamp, deviceID, rawURL string, length int, embeddedRSA string) string {
	path, query := "", ""
	if u, err := url.Parse(rawURL); err == nil {
		path = u.EscapedPath()
		query = u.RawQuery
	}
	return signing.MD5Hex(appKey + salt + appSecret + timestamp + deviceID + path + query + strconv.Itoa(length) + embeddedRSA)
}

func (c *Client) fetchTicket(ctx context.Context, deviceID string) (ticketResponse, error) {
	now := c.deps.Clock().UnixMilli()
	ts := strconv.FormatInt(now, 10)
	body := ticketRequest{
		AppID:          c.cfg.AppID,
		SecondaryToken: c.sess.SecondaryToken,
		SSOID:          c.sess.SSOID,
		DeviceID:       deviceID,
		Timestamp:      now,
	}.marshal()

	raw, err := channel.Body(c.deps.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-protobuf").
		SetHeader("oak", c.cfg.AppKey).
		SetHeader("t", ts).
		SetHeader("id", deviceID).
		SetHeader("sign2", Sign2(c.cfg.AppKey, c.cfg.Salt, c.cfg.AppSecret, ts, deviceID, c.cfg.GameSDKURL, len(body), c.cfg.EmbeddedRSA)).
		SetBody(body).
		Post(c.cfg.GameSDKURL))
	if err != nil {
		return ticketResponse{}, err
	}

	var out ticketResponse
	if err := out.unmarshal(raw); err != nil {
		return ticketResponse{}, channel.Wrap(channel.ErrProtocolShape, fmt.Errorf("解析 GameSDK 响应失败: %w", err))
	}
	switch out.Code {
	case ticketCodeOK:
	case ticketCodeTokenInvalid:
		return ticketResponse{}, channel.Errorf(channel.ErrSessionExpired, "OPPO 二级 token 被拒绝")
	default:
		return ticketResponse{}, channel.Errorf(channel.ErrRejected, "OPPO GameSDK code=%d %s", out.Code, out.Msg)
	}
	if out.Ticket == "" {
		return ticketResponse{}, channel.Errorf(channel.ErrProtocolShape, "GameSDK 响应缺少 ticket")
	}
	for i, r := range out.Roles {
		if r.ID == "" {
			return ticketResponse{}, channel.Errorf(channel.ErrProtocolShape, "第 %d 个角色缺少 roleId", i)
		}
	}
	return out, nil
}
